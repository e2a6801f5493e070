// Package googleworkspace reads Google Workspace audit activity through the
// Admin SDK Reports API.
//
// # Position
//
// The cursor is a timestamp. Each fetch lists the activities of one
// application inside [cursor, min(now-skew, cursor+max_window)] and, once
// every page is drained, moves the cursor to the end of the window. The API
// returns newest activities first, so the adapter is unordered and the
// worker sorts each fetch before forwarding.
//
// Reports data lags real time by minutes to hours depending on the
// application; set the stream's skew accordingly.
//
// # Authentication
//
// Requests carry the credential of the stream's credential set through the
// HTTP client's transport. The credential needs the
// https://www.googleapis.com/auth/admin.reports.audit.readonly scope.
//
// # Configuration
//
//	application       reports application, e.g. login, admin, drive, token (required)
//	user_key          user email or "all" (default all)
//	customer_id       customer to report on (default: the caller's)
//	event_name        only this event name
//	filters           API filter expression, e.g. "doc_type==document"
//	page_size         activities per request, 1-1000 (default 1000)
//	max_window        widest window per fetch (default 1h)
//	initial_lookback  how far back a new stream starts (default 24h)
//	base_url          API root override
package googleworkspace
