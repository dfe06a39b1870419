package federationapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-set/v3"
	"github.com/hearth-im/hearth"
	"github.com/hearth-im/hearth/spec"
	"github.com/matrix-org/util"
	"github.com/oleiade/lane/v2"
)

// A Server wires the inbound federation surface: the signed /send
// endpoint and this server's published keys.
type Server struct {
	ServerName  spec.ServerName
	LocalKey    *hearth.LocalKey
	KeyValidity time.Duration
	Verifier    hearth.JSONVerifier
	Processor   *TransactionProcessor
}

// Routes returns the handler for the /_matrix surface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/_matrix/key/v2/server", util.MakeJSONAPI(util.NewJSONRequestHandler(s.serveKeys)))
	mux.Handle("/_matrix/key/v2/server/", util.MakeJSONAPI(util.NewJSONRequestHandler(s.serveKeys)))
	mux.Handle("/_matrix/federation/v1/send/", util.MakeJSONAPI(util.NewJSONRequestHandler(s.sendTransaction)))
	mux.Handle("/_matrix/federation/v1/event/", util.MakeJSONAPI(util.NewJSONRequestHandler(s.serveEvent)))
	mux.Handle("/_matrix/federation/v1/backfill/", util.MakeJSONAPI(util.NewJSONRequestHandler(s.serveBackfill)))
	return mux
}

// serveKeys publishes this server's signing keys, self-signed, with a
// validity window starting now.
func (s *Server) serveKeys(req *http.Request) util.JSONResponse {
	keys, err := s.LocalKey.ServerKeys(s.KeyValidity)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("Failed to build server keys response")
		return util.MessageResponse(500, "Failed to build key response")
	}
	return util.JSONResponse{Code: 200, JSON: keys}
}

// sendTransaction authenticates and processes a PUT
// /_matrix/federation/v1/send/{txnID} request.
func (s *Server) sendTransaction(req *http.Request) util.JSONResponse {
	if req.Method != "PUT" {
		return util.MessageResponse(405, "Method not allowed")
	}
	txnID := strings.TrimPrefix(req.URL.Path, "/_matrix/federation/v1/send/")
	if txnID == "" || strings.Contains(txnID, "/") {
		return util.MessageResponse(400, "Missing transaction ID")
	}

	fedReq, errResp := hearth.VerifyHTTPRequest(req, time.Now(), s.ServerName, s.Verifier)
	if fedReq == nil {
		return errResp
	}

	var transaction hearth.Transaction
	if err := json.Unmarshal(fedReq.Content(), &transaction); err != nil {
		return util.MessageResponse(400, "Invalid transaction body")
	}
	// The authenticated origin overrides whatever the body claims.
	transaction.TransactionID = hearth.TransactionID(txnID)
	transaction.Origin = fedReq.Origin()
	transaction.Destination = s.ServerName

	resp, err := s.Processor.ProcessTransaction(req.Context(), &transaction)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("Failed to process transaction")
		return ErrorResponse(err)
	}
	return util.JSONResponse{Code: 200, JSON: resp}
}

// serveEvent answers GET /_matrix/federation/v1/event/{eventID} with a
// transaction-shaped body carrying the event as its only PDU.
func (s *Server) serveEvent(req *http.Request) util.JSONResponse {
	if req.Method != "GET" {
		return util.MessageResponse(405, "Method not allowed")
	}
	eventID := strings.TrimPrefix(req.URL.Path, "/_matrix/federation/v1/event/")
	if eventID == "" || strings.Contains(eventID, "/") {
		return util.MessageResponse(400, "Missing event ID")
	}
	if _, errResp := hearth.VerifyHTTPRequest(req, time.Now(), s.ServerName, s.Verifier); errResp.Code != 200 {
		return errResp
	}

	event, err := s.Processor.Inputer.Store.Event(req.Context(), eventID)
	if err != nil {
		return ErrorResponse(err)
	}
	if event == nil {
		return util.MessageResponse(404, "Event not found")
	}
	return util.JSONResponse{Code: 200, JSON: hearth.Transaction{
		Origin:         s.ServerName,
		OriginServerTS: spec.AsTimestamp(time.Now()),
		PDUs:           []spec.RawJSON{spec.RawJSON(event.JSON())},
	}}
}

// serveBackfill answers GET /_matrix/federation/v1/backfill/{roomID}: it
// walks prev_events backwards from the ?v= anchors and returns up to
// ?limit= events, newest first.
func (s *Server) serveBackfill(req *http.Request) util.JSONResponse {
	if req.Method != "GET" {
		return util.MessageResponse(405, "Method not allowed")
	}
	roomID := strings.TrimPrefix(req.URL.Path, "/_matrix/federation/v1/backfill/")
	if roomID == "" || strings.Contains(roomID, "/") {
		return util.MessageResponse(400, "Missing room ID")
	}
	if _, errResp := hearth.VerifyHTTPRequest(req, time.Now(), s.ServerName, s.Verifier); errResp.Code != 200 {
		return errResp
	}

	room, err := s.Processor.Rooms.Room(req.Context(), roomID)
	if err != nil {
		return ErrorResponse(err)
	}
	if room == nil {
		return util.MessageResponse(404, "Room not found")
	}

	query := req.URL.Query()
	limit := 100
	if l, err := strconv.Atoi(query.Get("limit")); err == nil && l > 0 && l < limit {
		limit = l
	}

	events, err := s.walkHistory(req.Context(), roomID, query["v"], limit)
	if err != nil {
		return ErrorResponse(err)
	}
	pdus := make([]spec.RawJSON, 0, len(events))
	for _, event := range events {
		pdus = append(pdus, spec.RawJSON(event.JSON()))
	}
	return util.JSONResponse{Code: 200, JSON: hearth.Transaction{
		Origin:         s.ServerName,
		OriginServerTS: spec.AsTimestamp(time.Now()),
		PDUs:           pdus,
	}}
}

// walkHistory collects up to limit stored events reachable backwards from
// the anchors through prev_events. Anchors from other rooms or unknown to
// this server are skipped.
func (s *Server) walkHistory(ctx context.Context, roomID string, anchors []string, limit int) ([]*hearth.Event, error) {
	store := s.Processor.Inputer.Store
	visited := set.New[string](limit)
	frontier := lane.NewDeque[string]()
	for _, eventID := range anchors {
		frontier.Append(eventID)
	}

	var events []*hearth.Event
	for len(events) < limit {
		eventID, ok := frontier.Shift()
		if !ok {
			break
		}
		if visited.Contains(eventID) {
			continue
		}
		visited.Insert(eventID)
		event, err := store.Event(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if event == nil || event.RoomID() != roomID {
			continue
		}
		events = append(events, event)
		for _, prev := range event.PrevEventIDs() {
			frontier.Append(prev)
		}
	}
	return events, nil
}

// ErrorResponse maps an admission error onto its HTTP response.
func ErrorResponse(err error) util.JSONResponse {
	kind := spec.KindOf(err)
	code := 500
	switch kind {
	case spec.KindValidation, spec.KindHashMismatch:
		code = 400
	case spec.KindSignatureInvalid:
		code = 401
	case spec.KindAuthRejected, spec.KindAuthSoftFailed:
		code = 403
	case spec.KindNotFound:
		code = 404
	case spec.KindKeyUnavailable:
		code = 502
	}
	return util.JSONResponse{
		Code: code,
		JSON: spec.NewError(kind, "%s", err.Error()),
	}
}
