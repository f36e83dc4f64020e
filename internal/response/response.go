package response

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Response is the JSON envelope every session endpoint answers with. Data is
// null on failure; Error is omitted on success.
type Response struct {
	Data       any         `json:"data"`
	Error      *ErrorBody  `json:"error,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Metadata   Metadata    `json:"metadata"`
}

// ErrorBody carries a machine-readable code, its localized message and,
// for validation failures, the offending fields.
type ErrorBody struct {
	Code    ErrCode           `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Pagination describes one page of a list, such as the flagged-attempt queue.
type Pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}

// Page slices total items into pages of perPage and returns the bounds of
// page within [0, total) alongside its descriptor.
func Page(page, perPage, total int) (from, to int, p *Pagination) {
	from = min((page-1)*perPage, total)
	to = min(from+perPage, total)
	return from, to, &Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: total,
		TotalPages: (total + perPage - 1) / perPage,
	}
}

// Metadata ties a response to its request id and server time.
type Metadata struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

var now = func() time.Time { return time.Now().UTC().Truncate(time.Second) }

// Success writes data with statusCode.
func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, envelope(c, data, nil, nil))
}

// SuccessWithPagination writes one page of a list.
func SuccessWithPagination(c *gin.Context, statusCode int, data any, p *Pagination) {
	c.JSON(statusCode, envelope(c, data, nil, p))
}

// Fail writes an error envelope for code.
func Fail(c *gin.Context, statusCode int, code ErrCode) {
	FailWithFields(c, statusCode, code, nil)
}

// FailWithFields writes an error envelope with per-field details.
func FailWithFields(c *gin.Context, statusCode int, code ErrCode, fields map[string]string) {
	c.JSON(statusCode, envelope(c, nil, errorBody(code, fields), nil))
}

// AbortFail stops the handler chain with an error envelope. Middlewares use
// it so that no later handler writes to the response.
func AbortFail(c *gin.Context, statusCode int, code ErrCode) {
	c.AbortWithStatusJSON(statusCode, envelope(c, nil, errorBody(code, nil), nil))
}

func errorBody(code ErrCode, fields map[string]string) *ErrorBody {
	return &ErrorBody{Code: code, Message: GetMessage(code), Fields: fields}
}

func envelope(c *gin.Context, data any, e *ErrorBody, p *Pagination) Response {
	return Response{
		Data:       data,
		Error:      e,
		Pagination: p,
		Metadata: Metadata{
			RequestID: RequestID(c),
			Timestamp: now(),
		},
	}
}
