package user

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"PPChat/module/user/service"
	"PPChat/tools/security"
)

// HandlerDevToken issues a credential for an existing directory user.
// Only mounted when the in-memory directory is configured; real logins are
// handled by the account service.
func HandlerDevToken(opts security.Options, dir service.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id must be a positive integer"})
			return
		}
		u, err := dir.Lookup(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown user"})
			return
		}
		token, err := service.IssueToken(opts, u)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"token": token,
			"user": gin.H{
				"id":       u.ID,
				"username": u.Username,
			},
		})
	}
}
