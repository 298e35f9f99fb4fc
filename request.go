package graphload

import (
	"io"
	"mime"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// NewRequestFromHTTP builds a Request from an HTTP request. Supported are GET requests
// with query, variables, and extensions parameters, and POST requests with an
// application/json or application/graphql body. If an error is returned, the
// accompanying code is the HTTP status code that should be sent to the client.
func NewRequestFromHTTP(r *http.Request) (*Request, int, error) {
	ret := &Request{
		Context: r.Context(),
	}

	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		ret.Query = query.Get("query")
		if ret.Query == "" {
			return nil, http.StatusBadRequest, errors.New("the query parameter is required")
		}
		ret.OperationName = query.Get("operationName")
		if variables := query.Get("variables"); variables != "" {
			if err := jsoniter.UnmarshalFromString(variables, &ret.VariableValues); err != nil {
				return nil, http.StatusBadRequest, errors.New("malformed variables parameter")
			}
		}
		if extensions := query.Get("extensions"); extensions != "" {
			if err := jsoniter.UnmarshalFromString(extensions, &ret.Extensions); err != nil {
				return nil, http.StatusBadRequest, errors.New("malformed extensions parameter")
			}
		}
	case http.MethodPost:
		contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		switch contentType {
		case "application/json":
			var body struct {
				Query          string                 `json:"query"`
				OperationName  string                 `json:"operationName"`
				VariableValues map[string]interface{} `json:"variables"`
				Extensions     map[string]interface{} `json:"extensions"`
			}
			if err := jsoniter.NewDecoder(r.Body).Decode(&body); err != nil {
				return nil, http.StatusBadRequest, errors.New("malformed request body")
			}
			ret.Query = body.Query
			ret.OperationName = body.OperationName
			ret.VariableValues = body.VariableValues
			ret.Extensions = body.Extensions
		case "application/graphql":
			body, err := io.ReadAll(r.Body)
			if err != nil {
				return nil, http.StatusBadRequest, errors.New("unable to read request body")
			}
			ret.Query = string(body)
		default:
			return nil, http.StatusBadRequest, errors.New("unsupported content-type")
		}
	default:
		return nil, http.StatusMethodNotAllowed, errors.New("unsupported method")
	}

	return ret, http.StatusOK, nil
}
