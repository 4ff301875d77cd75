package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	apperrors "tradescope_go_backend/internal/errors"
	"tradescope_go_backend/internal/models"
	"tradescope_go_backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
)

func SetupRoutes(r *gin.Engine, accounts *services.AccountService) {
	auth := r.Group("/auth")
	{
		auth.GET("/me", AuthMiddleware(accounts), getAccount)
	}
}

// AuthMiddleware verifies the bearer credential against the identity
// provider's signing material and resolves the Account, creating it on the
// free tier the first time an identity is seen.
func AuthMiddleware(accounts *services.AccountService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			apperrors.HandleError(c, apperrors.New401Error())
			c.Abort()
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 {
			apperrors.HandleError(c, apperrors.New401Error())
			c.Abort()
			return
		}

		token := bearerToken[1]
		claims, err := verifyToken(token)
		if err != nil {
			apperrors.HandleError(c, apperrors.New401Error())
			c.Abort()
			return
		}

		auth0ID, _ := claims["sub"].(string)
		email, _ := claims["email"].(string)
		name, _ := claims["name"].(string)
		if auth0ID == "" {
			apperrors.HandleError(c, apperrors.New401Error())
			c.Abort()
			return
		}

		account, err := accounts.GetOrCreateAccount(auth0ID, email, name)
		if err != nil {
			apperrors.HandleError(c, apperrors.New500Error(err))
			c.Abort()
			return
		}

		c.Set("account", account)
		c.Next()
	}
}

// AccountFromContext extracts the authenticated account set by the middleware.
func AccountFromContext(c *gin.Context) (*models.Account, bool) {
	value, exists := c.Get("account")
	if !exists {
		return nil, false
	}
	account, ok := value.(*models.Account)
	return account, ok
}

func getAccount(c *gin.Context) {
	account, ok := AccountFromContext(c)
	if !ok {
		apperrors.HandleError(c, apperrors.New401Error())
		return
	}
	c.JSON(http.StatusOK, account)
}

func verifyToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		cert, err := getPemCert(token)
		if err != nil {
			return nil, err
		}

		return jwt.ParseRSAPublicKeyFromPEM([]byte(cert))
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

// The JWKS document is cached after the first fetch and only refetched when
// a token arrives signed with an unknown key id (key rotation).
var (
	jwksMu    sync.RWMutex
	jwksCerts = make(map[string]string)
)

func getPemCert(token *jwt.Token) (string, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return "", errors.New("token has no key id")
	}

	jwksMu.RLock()
	cert, ok := jwksCerts[kid]
	jwksMu.RUnlock()
	if ok {
		return cert, nil
	}

	if err := refreshJWKS(); err != nil {
		return "", err
	}

	jwksMu.RLock()
	cert, ok = jwksCerts[kid]
	jwksMu.RUnlock()
	if !ok {
		return "", errors.New("unable to find appropriate key")
	}

	return cert, nil
}

func refreshJWKS() error {
	resp, err := http.Get(fmt.Sprintf("https://%s/.well-known/jwks.json", os.Getenv("AUTH0_DOMAIN")))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var jwks = struct {
		Keys []struct {
			Kty string   `json:"kty"`
			Kid string   `json:"kid"`
			Use string   `json:"use"`
			N   string   `json:"n"`
			E   string   `json:"e"`
			X5c []string `json:"x5c"`
		} `json:"keys"`
	}{}

	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	jwksMu.Lock()
	defer jwksMu.Unlock()
	for _, key := range jwks.Keys {
		if len(key.X5c) == 0 {
			continue
		}
		jwksCerts[key.Kid] = "-----BEGIN CERTIFICATE-----\n" + key.X5c[0] + "\n-----END CERTIFICATE-----"
	}

	return nil
}
