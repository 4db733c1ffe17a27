package fetch

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"skillsmith/internal/logging"
)

// selectTokenSource picks the strongest available credential:
// app installation token > static token > unauthenticated (nil).
func selectTokenSource(baseURL, appID, appInstallID, appKeyPath, token string, client *http.Client) (oauth2.TokenSource, string, error) {
	if appID != "" && appKeyPath != "" {
		src, err := newAppTokenSource(baseURL, appID, appInstallID, appKeyPath, client)
		if err != nil {
			return nil, "", fmt.Errorf("app credentials unusable: %w", err)
		}
		return oauth2.ReuseTokenSource(nil, src), "app", nil
	}
	if token != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}), "token", nil
	}
	return nil, "anonymous", nil
}

// appTokenSource exchanges app credentials for short-lived installation
// tokens. oauth2.ReuseTokenSource handles caching and refresh.
type appTokenSource struct {
	baseURL   string
	appID     string
	installID int64 // 0 = discover the first installation
	key       *rsa.PrivateKey
	client    *http.Client
}

func newAppTokenSource(baseURL, appID, appInstallID, keyPath string, client *http.Client) (*appTokenSource, error) {
	var installID int64
	if appInstallID != "" {
		id, err := strconv.ParseInt(appInstallID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid installation id %q: %w", appInstallID, err)
		}
		installID = id
	}
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read app key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("app key %s is not PEM", keyPath)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		if pk, err2 := x509.ParsePKCS8PrivateKey(block.Bytes); err2 == nil {
			if rsaKey, ok := pk.(*rsa.PrivateKey); ok {
				key = rsaKey
			} else {
				return nil, fmt.Errorf("app key is not RSA")
			}
		} else {
			return nil, fmt.Errorf("failed to parse app key: %w", err)
		}
	}
	return &appTokenSource{baseURL: baseURL, appID: appID, installID: installID, key: key, client: client}, nil
}

// Token mints an app JWT, resolves the installation (configured id or the
// app's first), and exchanges it for an installation access token.
func (a *appTokenSource) Token() (*oauth2.Token, error) {
	jwt, err := a.signJWT()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	instID := a.installID
	if instID == 0 {
		instID, err = a.firstInstallation(ctx, jwt)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/app/installations/%d/access_tokens", a.baseURL, instID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("installation token exchange failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("installation token exchange returned %d", resp.StatusCode)
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode installation token: %w", err)
	}

	logging.Get(logging.CategoryFetch).Info("minted installation token (expires %s)", body.ExpiresAt.Format(time.RFC3339))
	return &oauth2.Token{AccessToken: body.Token, Expiry: body.ExpiresAt}, nil
}

func (a *appTokenSource) firstInstallation(ctx context.Context, jwt string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/app/installations", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to list installations: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("list installations returned %d", resp.StatusCode)
	}

	var installs []struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&installs); err != nil {
		return 0, err
	}
	if len(installs) == 0 {
		return 0, fmt.Errorf("app has no installations")
	}
	return installs[0].ID, nil
}

// signJWT produces a short-lived RS256 app JWT. The claim window is
// backdated one minute to absorb clock skew.
func (a *appTokenSource) signJWT() (string, error) {
	now := time.Now()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	claims, _ := json.Marshal(map[string]interface{}{
		"iss": a.appID,
		"iat": now.Add(-time.Minute).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
	})
	payload := header + "." + base64.RawURLEncoding.EncodeToString(claims)

	digest := sha256.Sum256([]byte(payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, a.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}
	return payload + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}
