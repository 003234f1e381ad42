package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var ErrUnauthorized = errors.New("could not validate credentials")

// Identity is a verified caller.
type Identity struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

type claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Verifier checks and issues HMAC-signed bearer tokens carrying user_id,
// username and exp claims.
type Verifier struct {
	secret []byte
	method jwt.SigningMethod
	now    func() time.Time
}

func NewVerifier(secret, algorithm string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	m, ok := jwt.GetSigningMethod(algorithm).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, errors.Errorf("unsupported jwt algorithm %q", algorithm)
	}
	return &Verifier{secret: []byte(secret), method: m, now: time.Now}, nil
}

// Verify returns the identity carried by token or ErrUnauthorized.
func (v *Verifier) Verify(token string) (Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Identity{}, errors.Wrap(ErrUnauthorized, err.Error())
	}
	if c.UserID <= 0 || c.Username == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{UserID: c.UserID, Username: c.Username}, nil
}

// Issue signs a token for id that expires after ttl.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	c := claims{
		UserID:   id.UserID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(v.now().Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(v.method, c).SignedString(v.secret)
	return s, errors.Wrap(err, "sign token")
}
