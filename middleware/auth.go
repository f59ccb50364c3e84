package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	UserContextKey  = "userID"
	RoleContextKey  = "role"
	StoreContextKey = "storeID"

	AdminRole      = "admin"
	StoreOwnerRole = "store_owner"
)

// AuthMiddleware trusts the identity headers set by the API gateway.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(UserContextKey, userID)
		c.Set(RoleContextKey, c.GetHeader("X-User-Role"))

		if raw := c.GetHeader("X-Store-ID"); raw != "" {
			storeID, err := uuid.Parse(raw)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid store ID format"})
				return
			}
			c.Set(StoreContextKey, storeID)
		}
		c.Next()
	}
}

// AdminOnly admits platform admins and store owners. Store owners are scoped
// to their own store by CanAccessStore.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.GetString(RoleContextKey) {
		case AdminRole:
		case StoreOwnerRole:
			if _, ok := c.Get(StoreContextKey); !ok {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "store scope required"})
				return
			}
		default:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}

// CanAccessStore reports whether the caller may act on the given store.
func CanAccessStore(c *gin.Context, storeID uuid.UUID) bool {
	if c.GetString(RoleContextKey) == AdminRole {
		return true
	}
	v, ok := c.Get(StoreContextKey)
	if !ok {
		return false
	}
	scoped, ok := v.(uuid.UUID)
	return ok && scoped == storeID
}

func GetUserID(c *gin.Context) string {
	return c.GetString(UserContextKey)
}
