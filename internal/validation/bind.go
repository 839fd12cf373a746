package validation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
)

// BindAndValidate binds the JSON body into out, normalizes it and runs
// validation. On failure it writes a 400 validation_failed response and
// returns the error so the handler can stop.
func BindAndValidate(c *gin.Context, out any, v *validatorv10.Validate) error {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "request body is not valid JSON for this endpoint",
		})
		return &Error{Fields: map[string]string{"body": err.Error()}}
	}

	if err := Validate(v, out); err != nil {
		resp := gin.H{"error": "validation_failed", "message": err.Error()}
		if ve, ok := err.(*Error); ok {
			resp["fields"] = ve.Fields
		}
		c.JSON(http.StatusBadRequest, resp)
		return err
	}
	return nil
}
