package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/xvanov/collabcanvas-sub002/models"
	"github.com/xvanov/collabcanvas-sub002/store"
)

const tokenLifetime = 72 * time.Hour

// Service turns an OAuth code into a persisted actor profile and a session
// token, and resolves tokens back into actors.
type Service struct {
	Store        store.SceneStore
	OAuthConfigs map[string]*oauth2.Config
	JWTSecret    []byte
}

// oauthProvider bundles everything that differs between OAuth backends: the
// authorize/token endpoints, the profile endpoint, and how to read the
// profile payload.
type oauthProvider struct {
	endpoint   oauth2.Endpoint
	scopes     []string
	profileURL string
	headers    map[string]string
	parse      func(body []byte) (name, providerId string, err error)
}

var oauthProviders = map[string]oauthProvider{
	"github": {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://github.com/login/oauth/authorize",
			TokenURL: "https://github.com/login/oauth/access_token",
		},
		scopes:     []string{""},
		profileURL: "https://api.github.com/user",
		headers:    map[string]string{"X-GitHub-Api-Version": "2022-11-28"},
		parse: func(body []byte) (string, string, error) {
			var gh struct {
				Login string `json:"login"`
				ID    int    `json:"id"`
			}
			if err := json.Unmarshal(body, &gh); err != nil {
				return "", "", err
			}
			return gh.Login, strconv.Itoa(gh.ID), nil
		},
	},
	"google": {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		scopes:     []string{"openid", "email"},
		profileURL: "https://openidconnect.googleapis.com/v1/userinfo",
		parse: func(body []byte) (string, string, error) {
			var g struct {
				Email string `json:"email"`
				Sub   string `json:"sub"`
			}
			if err := json.Unmarshal(body, &g); err != nil {
				return "", "", err
			}
			return g.Email, g.Sub, nil
		},
	},
}

// NewService fills in the endpoint and scopes for each configured provider,
// so callers supply only client id and secret.
func NewService(sceneStore store.SceneStore, oauthConfigs map[string]*oauth2.Config, jwtSecret []byte) (*Service, error) {
	for name, conf := range oauthConfigs {
		p, ok := oauthProviders[name]
		if !ok {
			return nil, fmt.Errorf("unsupported provider: %s", name)
		}
		conf.Endpoint = p.endpoint
		conf.Scopes = p.scopes
	}

	return &Service{
		Store:        sceneStore,
		OAuthConfigs: oauthConfigs,
		JWTSecret:    jwtSecret,
	}, nil
}

// HandleOauth exchanges the authorization code and builds an Actor from the
// provider's profile endpoint. The actor is not persisted here.
func (s *Service) HandleOauth(ctx context.Context, provider string, code string) (models.Actor, error) {
	conf, ok := s.OAuthConfigs[provider]
	if !ok {
		return models.Actor{}, fmt.Errorf("unsupported provider: %s", provider)
	}
	p := oauthProviders[provider]

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		logrus.WithError(err).Warn("oauth exchange failed")
		return models.Actor{}, err
	}

	body, err := fetchProfile(ctx, conf.Client(ctx, tok), p)
	if err != nil {
		logrus.WithError(err).Warn("oauth profile fetch failed")
		return models.Actor{}, err
	}

	name, providerId, err := p.parse(body)
	if err != nil {
		return models.Actor{}, err
	}

	return models.Actor{
		Name:       name,
		Color:      ColorFor(provider + "#" + providerId),
		Provider:   provider,
		ProviderId: providerId,
	}, nil
}

func fetchProfile(ctx context.Context, client *http.Client, p oauthProvider) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.profileURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// actorClaims is the token payload. The actor id travels in the standard
// subject claim; provider identity rides alongside so Authenticate can look
// the actor up without touching the primary key space.
type actorClaims struct {
	Provider   string `json:"provider"`
	ProviderId string `json:"providerId"`
	jwt.RegisteredClaims
}

func (s *Service) CreateJWT(id string, provider string, providerId string) (string, error) {
	now := time.Now()
	claims := actorClaims{
		Provider:   provider,
		ProviderId: providerId,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.JWTSecret)
}

func (s *Service) VerifyJWT(tokenString string) (string, string, string, time.Time, error) {
	var claims actorClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return s.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", "", time.Time{}, err
	}
	if !token.Valid {
		return "", "", "", time.Time{}, errors.New("invalid token")
	}

	if claims.Subject == "" || claims.Provider == "" || claims.ProviderId == "" {
		return "", "", "", time.Time{}, errors.New("token missing identity claims")
	}
	if claims.ExpiresAt == nil {
		return "", "", "", time.Time{}, errors.New("token missing expiry")
	}

	return claims.Subject, claims.Provider, claims.ProviderId, claims.ExpiresAt.Time, nil
}

// Authenticate resolves a bearer token to the stored actor behind it.
func (s *Service) Authenticate(ctx context.Context, token string) (models.Actor, error) {
	if len(token) == 0 {
		return models.Actor{}, errors.New("token not provided")
	}

	_, provider, providerId, _, err := s.VerifyJWT(token)
	if err != nil {
		return models.Actor{}, err
	}

	return s.Store.GetActor(ctx, provider, providerId)
}

// Login runs the full code-for-token flow: OAuth exchange, actor upsert,
// session token mint.
func (s *Service) Login(ctx context.Context, provider, code string) (models.Actor, string, error) {
	actor, err := s.HandleOauth(ctx, provider, code)
	if err != nil {
		return models.Actor{}, "", fmt.Errorf("oauth failed: %w", err)
	}

	storedActor, err := s.Store.EnsureActor(ctx, actor)
	if err != nil {
		return models.Actor{}, "", fmt.Errorf("ensure actor failed: %w", err)
	}

	token, err := s.CreateJWT(storedActor.Id, storedActor.Provider, storedActor.ProviderId)
	if err != nil {
		return models.Actor{}, "", fmt.Errorf("token generation failed: %w", err)
	}

	return storedActor, token, nil
}
