package httpjson

import "net/http"

// ErrorMessage is a helper to create a JSON error response
// with a status code and a message.
func ErrorMessage(status int, err error) *Response {
	return &Response{
		Status: status,
		Body:   M{"error": err.Error()},
	}
}

// BadRequest reports an invalid request parameter.
func BadRequest(err error) *Response {
	return ErrorMessage(http.StatusBadRequest, err)
}
