package devserver

import (
	"github.com/gin-gonic/gin"
	"github.com/openmined/syftdrop/internal/dropsdk"
)

// error bodies share the sdk's `{code, error}` shape and codes
type apiError = dropsdk.APIError

func abortWithError(ctx *gin.Context, status int, code string, err error) {
	ctx.Abort()
	_ = ctx.Error(err)
	ctx.PureJSON(status, apiError{
		Code:    code,
		Message: err.Error(),
	})
}
