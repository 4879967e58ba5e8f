package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/patitas/storefront/internal/domain/order"
	"github.com/patitas/storefront/internal/domain/product"
	"github.com/patitas/storefront/internal/idempotency"
)

var (
	errUnauthorized = errors.New("unauthorized")
	errForbidden    = errors.New("forbidden")
)

// errorBody is the JSON shape of every API error.
type errorBody struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	Field       string `json:"field,omitempty"`
	ProductID   int64  `json:"productId,omitempty"`
	ProductName string `json:"productName,omitempty"`
	Available   *int   `json:"available,omitempty"`
}

// errorResponse maps domain errors to a status code and body. Anything
// outside the business taxonomy becomes a 500 without details.
func errorResponse(err error) errorBody {
	var (
		vErr  *order.ValidationError
		pvErr *product.ValidationError
		nfErr *order.NotFoundError
		isErr *order.InsufficientStockError
		stErr *order.InvalidStatusError
		trErr *order.TransitionError
		syErr *json.SyntaxError
		tyErr *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &vErr):
		return errorBody{Code: http.StatusBadRequest, Message: vErr.Error(), Field: vErr.Field}
	case errors.As(err, &pvErr):
		return errorBody{Code: http.StatusBadRequest, Message: pvErr.Error(), Field: pvErr.Field}
	case errors.As(err, &stErr):
		return errorBody{Code: http.StatusBadRequest, Message: stErr.Error(), Field: "status"}
	case errors.As(err, &syErr):
		return errorBody{Code: http.StatusBadRequest, Message: "malformed JSON body"}
	case errors.As(err, &tyErr):
		return errorBody{Code: http.StatusBadRequest, Message: "invalid value for " + tyErr.Field, Field: tyErr.Field}
	case errors.Is(err, errMalformedBody):
		return errorBody{Code: http.StatusBadRequest, Message: err.Error()}
	case errors.As(err, &nfErr):
		return errorBody{Code: http.StatusNotFound, Message: nfErr.Error()}
	case errors.Is(err, product.ErrNotFound):
		return errorBody{Code: http.StatusNotFound, Message: err.Error()}
	case errors.As(err, &isErr):
		available := isErr.Available
		return errorBody{
			Code:        http.StatusConflict,
			Message:     isErr.Error(),
			ProductID:   isErr.ProductID,
			ProductName: isErr.ProductName,
			Available:   &available,
		}
	case errors.Is(err, product.ErrInUse):
		return errorBody{Code: http.StatusConflict, Message: err.Error()}
	case errors.As(err, &trErr):
		return errorBody{Code: http.StatusConflict, Message: trErr.Error(), Field: "status"}
	case errors.Is(err, idempotency.ErrInFlight):
		return errorBody{Code: http.StatusConflict, Message: err.Error()}
	case errors.Is(err, idempotency.ErrKeyReuse):
		return errorBody{Code: http.StatusUnprocessableEntity, Message: err.Error()}
	case errors.Is(err, errUnauthorized):
		return errorBody{Code: http.StatusUnauthorized, Message: "unauthorized"}
	case errors.Is(err, errForbidden):
		return errorBody{Code: http.StatusForbidden, Message: "forbidden"}
	default:
		return errorBody{Code: http.StatusInternalServerError, Message: "internal error"}
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	body := errorResponse(err)
	if body.Code == http.StatusInternalServerError {
		zctx.From(ctx).Error("Request failed", zap.Error(err))
	}
	writeJSON(w, body.Code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
