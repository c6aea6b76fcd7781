// Package gqlhandler implements the GraphQL-over-HTTP protocol handler the
// listener adapter delegates to. It owns content negotiation and execution;
// the adapter never looks inside.
package gqlhandler

import (
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/pkg/errors"

	"go-graphql/listener"
)

type Options struct {
	// Schema is the SDL text. SchemaPath is read instead when Schema is
	// empty.
	Schema     string
	SchemaPath string

	// Resolver is the root resolver handed to graphql-go.
	Resolver any

	UseFieldResolvers bool
	MaxDepth          int
}

// params is the standard GraphQL-over-HTTP request shape.
type params struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName"`
	Variables     map[string]interface{} `json:"variables"`
}

// New parses the schema and returns a handler function for the listener
// adapter. Call it again to pick up schema changes (the schema watcher does
// exactly that).
func New(opts Options) (listener.Handler, error) {
	sdl := opts.Schema
	if sdl == "" && opts.SchemaPath != "" {
		data, err := os.ReadFile(opts.SchemaPath)
		if err != nil {
			return nil, errors.Wrap(err, "gqlhandler: read schema")
		}
		sdl = string(data)
	}
	if sdl == "" {
		return nil, errors.New("gqlhandler: no schema given")
	}

	var schemaOpts []graphql.SchemaOpt
	if opts.UseFieldResolvers {
		schemaOpts = append(schemaOpts, graphql.UseFieldResolvers())
	}
	if opts.MaxDepth > 0 {
		schemaOpts = append(schemaOpts, graphql.MaxDepth(opts.MaxDepth))
	}

	schema, err := graphql.ParseSchema(sdl, opts.Resolver, schemaOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "gqlhandler: parse schema")
	}

	return func(req *listener.Request) (*listener.Response, error) {
		p, errResp := decodeParams(req)
		if errResp != nil {
			return errResp, nil
		}

		result := schema.Exec(req.Context, p.Query, p.OperationName, p.Variables)

		body, err := json.Marshal(result)
		if err != nil {
			return nil, errors.Wrap(err, "gqlhandler: marshal response")
		}

		return &listener.Response{
			Status:  http.StatusOK,
			Headers: jsonHeaders(),
			Body:    string(body),
		}, nil
	}, nil
}

// decodeParams pulls the GraphQL request out of the normalized descriptor.
// A non-nil response return is a complete client-error reply (400/405); the
// adapter forwards it like any other handler result.
func decodeParams(req *listener.Request) (*params, *listener.Response) {
	switch req.Method {
	case http.MethodGet:
		u, err := url.ParseRequestURI(req.URL)
		if err != nil {
			return nil, clientError(http.StatusBadRequest, "malformed request URL")
		}
		q := u.Query()
		p := &params{
			Query:         q.Get("query"),
			OperationName: q.Get("operationName"),
		}
		if raw := q.Get("variables"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &p.Variables); err != nil {
				return nil, clientError(http.StatusBadRequest, "variables is not valid JSON")
			}
		}
		if p.Query == "" {
			return nil, clientError(http.StatusBadRequest, "missing query parameter")
		}
		return p, nil

	case http.MethodPost:
		body, err := req.Body()
		if err != nil {
			return nil, clientError(http.StatusBadRequest, "could not read request body")
		}

		ct := ""
		if v := req.Headers["Content-Type"]; len(v) > 0 {
			ct, _, _ = mime.ParseMediaType(v[0])
		}

		// application/graphql carries the bare query text
		if ct == "application/graphql" {
			if strings.TrimSpace(body) == "" {
				return nil, clientError(http.StatusBadRequest, "empty query")
			}
			return &params{Query: body}, nil
		}

		p := &params{}
		if err := json.Unmarshal([]byte(body), p); err != nil {
			return nil, clientError(http.StatusBadRequest, "body is not valid JSON")
		}
		if p.Query == "" {
			return nil, clientError(http.StatusBadRequest, "missing query field")
		}
		return p, nil

	default:
		return nil, clientError(http.StatusMethodNotAllowed, "only GET and POST are supported")
	}
}

func clientError(status int, msg string) *listener.Response {
	body, _ := json.Marshal(map[string]any{
		"errors": []map[string]string{{"message": msg}},
	})
	return &listener.Response{
		Status:  status,
		Headers: jsonHeaders(),
		Body:    string(body),
	}
}

func jsonHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/json; charset=utf-8"}
}
