package remote

import "github.com/mistakeknot/interlock/internal/storage"

// Routes served by the daemon. Transaction routes take the id returned by
// RouteTxBegin: /v1/tx/{id}/query, /exec, /commit, /rollback.
const (
	RouteQuery   = "/v1/query"
	RouteExec    = "/v1/exec"
	RouteTxBegin = "/v1/tx/begin"
	RouteTx      = "/v1/tx/"
	RouteHealth  = "/healthz"
	RouteStream  = "/v1/events/stream"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeBadRequest = "bad_request"
	CodeSQL        = "sql_error"
	CodeTxNotFound = "tx_not_found"
	CodeInternal   = "internal"
	CodeForbidden  = "forbidden"
)

// Statement is the body of query and exec requests. Args are decoded with
// json.Number on the server and normalized before reaching the driver.
type Statement struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args,omitempty"`
}

type QueryResponse = storage.Result

type ExecResponse = storage.ExecResult

type BeginResponse struct {
	TxID string `json:"tx_id"`
}

type HealthResponse struct {
	Healthy    bool    `json:"healthy"`
	PID        int     `json:"pid"`
	DBPath     string  `json:"db_path"`
	ResponseMS float64 `json:"response_ms"`
	OpenTx     int     `json:"open_tx"`
	Uptime     string  `json:"uptime"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
