package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken  = errors.New("invalid or expired upload token")
	ErrTokenUsed     = errors.New("upload token already used")
	ErrTokenMismatch = errors.New("upload token does not match object path")
)

const uploadRoutePrefix = "/storage/v1/object/upload/sign/"

type UploadOptions struct {
	Upsert bool
}

// SignedUpload is what the client needs to PUT the object itself.
type SignedUpload struct {
	SignedURL string    `json:"signedUrl"`
	Token     string    `json:"token"`
	Path      string    `json:"path"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// UploadClaims are carried by the HS256 upload token.
type UploadClaims struct {
	Bucket string `json:"bucket"`
	Path   string `json:"path"`
	Upsert bool   `json:"upsert"`
	jwt.RegisteredClaims
}

// Signer issues and redeems single-use upload tokens for one bucket.
type Signer struct {
	key       []byte
	bucket    string
	publicURL string
	ttl       time.Duration
	now       func() time.Time

	mu   sync.Mutex
	used map[string]time.Time // jti -> token expiry
}

func NewSigner(key, bucket, publicURL string, ttl time.Duration) *Signer {
	return &Signer{
		key:       []byte(key),
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
		ttl:       ttl,
		now:       time.Now,
		used:      make(map[string]time.Time),
	}
}

func (s *Signer) Bucket() string { return s.bucket }

// CreateSignedUploadURL signs a token scoped to exactly one object path.
func (s *Signer) CreateSignedUploadURL(_ context.Context, p string, opts UploadOptions) (*SignedUpload, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	if len(s.key) == 0 {
		return nil, errors.New("upload signing key is not configured")
	}

	now := s.now()
	exp := now.Add(s.ttl)
	claims := UploadClaims{
		Bucket: s.bucket,
		Path:   p,
		Upsert: opts.Upsert,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("sign upload token: %w", err)
	}

	u := s.publicURL + uploadRoutePrefix + url.PathEscape(s.bucket) + "/" + escapePath(p) +
		"?token=" + url.QueryEscape(token)
	return &SignedUpload{SignedURL: u, Token: token, Path: p, ExpiresAt: exp}, nil
}

// Verify parses token and checks it was issued for bucket and p. It does not
// consume the token.
func (s *Signer) Verify(token, bucket, p string) (*UploadClaims, error) {
	claims := &UploadClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" {
		return nil, ErrInvalidToken
	}
	if claims.Bucket != bucket || claims.Path != p {
		return nil, ErrTokenMismatch
	}
	return claims, nil
}

// Claim reserves the token id for one upload attempt. Release gives it back
// when the attempt failed, so the client may retry with the same URL.
func (s *Signer) Claim(claims *UploadClaims) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for jti, exp := range s.used {
		if now.After(exp) {
			delete(s.used, jti)
		}
	}
	if _, ok := s.used[claims.ID]; ok {
		return ErrTokenUsed
	}
	s.used[claims.ID] = claims.ExpiresAt.Time
	return nil
}

func (s *Signer) Release(claims *UploadClaims) {
	s.mu.Lock()
	delete(s.used, claims.ID)
	s.mu.Unlock()
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}
