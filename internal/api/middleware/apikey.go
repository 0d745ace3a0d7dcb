package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

const apiKeyHeader = "X-API-Key"

// APIKey gates the serving path on a static key set. Keys are compared in
// constant time over a SHA-256 digest. An empty key set rejects everything.
func APIKey(keys []string) echo.MiddlewareFunc {
	digests := make([][32]byte, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		digests = append(digests, sha256.Sum256([]byte(k)))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			presented := c.Request().Header.Get(apiKeyHeader)
			if presented == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing api key")
			}

			sum := sha256.Sum256([]byte(presented))
			for _, d := range digests {
				if subtle.ConstantTimeCompare(sum[:], d[:]) == 1 {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
		}
	}
}
