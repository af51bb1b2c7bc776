// Package common holds the JSON response envelope shared by every HTTP handler.
package common

import "github.com/gin-gonic/gin"

// Resp is the envelope of every response body.
type Resp struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// SuccessResp writes status with the envelope. data is optional.
func SuccessResp(c *gin.Context, status int, code, message string, data ...interface{}) {
	resp := Resp{Code: code, Message: message}
	if len(data) > 0 {
		resp.Data = data[0]
	}
	c.JSON(status, resp)
}

// ErrorResp aborts the chain and writes status with the envelope. Internal error details are
// never included; callers log them.
func ErrorResp(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Resp{Code: code, Message: message})
}
