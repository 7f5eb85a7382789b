package api

import "context"

// PathResolver builds request URLs. Services build paths through it without
// knowing the base URL or the account id.
type PathResolver interface {
	// accountPath("/contacts") -> "<base>/api/v1/accounts/<id>/contacts"
	accountPath(path string) string
	// rootPath("/message/sendText/x") -> "<base>/message/sendText/x"
	rootPath(path string) string
}

// HTTPExecutor executes requests. do marshals body to JSON when non-nil and
// decodes the response into result when non-nil; doRaw returns the body as is.
type HTTPExecutor interface {
	do(ctx context.Context, method, url string, body any, result any) error
	doRaw(ctx context.Context, method, url string, body any) ([]byte, error)
}

// Requester is the request surface the resource helpers depend on. Tests can
// swap in a fake that records calls instead of hitting the network.
type Requester interface {
	PathResolver
	HTTPExecutor
}
