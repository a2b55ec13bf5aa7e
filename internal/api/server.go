package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/codegangsta/negroni"
	jwt "github.com/dgrijalva/jwt-go"
	"github.com/dgrijalva/jwt-go/request"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dreamware/pgautoctl/internal/catalog"
)

// Server wires the monitor's *catalog.Catalog behind HTTP: unauthenticated
// keeper RPC routes, and bearer-authenticated operator routes.
type Server struct {
	catalog    *catalog.Catalog
	signingKey []byte
	router     *mux.Router
}

// NewServer builds the full route table. signingKey authenticates operator
// routes (HS256); keeper RPC routes are reachable only from the monitor's
// private network and carry no token.
func NewServer(cat *catalog.Catalog, signingKey []byte) *Server {
	s := &Server{catalog: cat, signingKey: signingKey, router: mux.NewRouter()}
	s.routes()
	return s
}

// Handler returns the negroni-wrapped http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler {
	n := negroni.New(negroni.NewRecovery(), negroni.NewLogger())
	n.UseHandler(s.router)
	return n
}

func (s *Server) routes() {
	s.router.HandleFunc("/rpc/nodes", s.handleRegisterNode).Methods(http.MethodPost)
	s.router.HandleFunc("/rpc/nodes/{node_id}/active", s.handleNodeActive).Methods(http.MethodPost)
	s.router.HandleFunc("/rpc/nodes/{node_id}", s.handleRemoveNode).Methods(http.MethodDelete)
	s.router.HandleFunc("/rpc/nodes/{node_id}/system_identifier", s.handleSetSystemIdentifier).Methods(http.MethodPost)
	s.router.HandleFunc("/rpc/nodes/{node_id}/others", s.handleGetOtherNodes).Methods(http.MethodGet)

	authed := func(h http.HandlerFunc) http.Handler {
		return negroni.New(
			negroni.HandlerFunc(s.requireBearerToken),
			negroni.Wrap(h),
		)
	}
	s.router.Handle("/formations/{formation_id}/primary", authed(s.handleGetPrimary)).Methods(http.MethodGet)
	s.router.Handle("/formations/{formation_id}/events", authed(s.handleGetEvents)).Methods(http.MethodGet)
	s.router.Handle("/formations/{formation_id}/groups/{group_id}/failover", authed(s.handlePerformFailover)).Methods(http.MethodPost)
	s.router.Handle("/nodes/{node_id}/maintenance", authed(s.handleEnableMaintenance)).Methods(http.MethodPost)
	s.router.Handle("/nodes/{node_id}/maintenance", authed(s.handleDisableMaintenance)).Methods(http.MethodDelete)
}

func (s *Server) requireBearerToken(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	_, err := request.ParseFromRequest(r, request.AuthorizationHeaderExtractor,
		func(token *jwt.Token) (interface{}, error) {
			return s.signingKey, nil
		})
	if err != nil {
		log.WithError(err).Warn("rejected unauthenticated operator request")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	next(w, r)
}

type registerNodeRequest struct {
	FormationID       string `json:"formation_id"`
	GroupID           int    `json:"group_id"`
	NodeName          string `json:"node_name"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	CandidatePriority int    `json:"candidate_priority"`
	ReplicationQuorum bool   `json:"replication_quorum"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	assignment, err := s.catalog.RegisterNode(r.Context(), req.FormationID, req.GroupID, req.NodeName, req.Host, req.Port, req.CandidatePriority, req.ReplicationQuorum)
	writeResult(w, assignment, err)
}

type nodeActiveRequest struct {
	ReportedState    catalog.NodeState         `json:"reported_state"`
	SystemIdentifier int64                     `json:"system_identifier"`
	LSN              catalog.LSN               `json:"lsn"`
	ReplicationMode  catalog.ReplicationState  `json:"replication_mode"`
	PgIsRunning      bool                      `json:"pg_is_running"`
}

func (s *Server) handleNodeActive(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := pathNodeID(w, r)
	if !ok {
		return
	}
	var req nodeActiveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	assignment, err := s.catalog.NodeActive(r.Context(), nodeID, req.ReportedState, req.SystemIdentifier, req.LSN, req.ReplicationMode, req.PgIsRunning)
	writeResult(w, assignment, err)
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := pathNodeID(w, r)
	if !ok {
		return
	}
	err := s.catalog.RemoveNode(r.Context(), nodeID)
	writeResult(w, struct{}{}, err)
}

type setSystemIdentifierRequest struct {
	SystemIdentifier int64 `json:"system_identifier"`
}

func (s *Server) handleSetSystemIdentifier(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := pathNodeID(w, r)
	if !ok {
		return
	}
	var req setSystemIdentifierRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.catalog.SetNodeSystemIdentifier(r.Context(), nodeID, req.SystemIdentifier)
	writeResult(w, struct{}{}, err)
}

func (s *Server) handleGetOtherNodes(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := pathNodeID(w, r)
	if !ok {
		return
	}
	others, err := s.catalog.GetOtherNodes(r.Context(), nodeID)
	writeResult(w, others, err)
}

func (s *Server) handleGetPrimary(w http.ResponseWriter, r *http.Request) {
	formationID := mux.Vars(r)["formation_id"]
	groupID, _ := strconv.Atoi(r.URL.Query().Get("group_id"))
	node, err := s.catalog.GetPrimary(r.Context(), formationID, groupID)
	writeResult(w, node, err)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	formationID := mux.Vars(r)["formation_id"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.catalog.GetEvents(r.Context(), formationID, limit)
	writeResult(w, events, err)
}

func (s *Server) handlePerformFailover(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	groupID, err := strconv.Atoi(vars["group_id"])
	if err != nil {
		http.Error(w, "bad group_id", http.StatusBadRequest)
		return
	}
	err = s.catalog.PerformFailover(r.Context(), vars["formation_id"], groupID)
	writeResult(w, struct{}{}, err)
}

func (s *Server) handleEnableMaintenance(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := pathNodeID(w, r)
	if !ok {
		return
	}
	err := s.catalog.EnableMaintenance(r.Context(), nodeID)
	writeResult(w, struct{}{}, err)
}

func (s *Server) handleDisableMaintenance(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := pathNodeID(w, r)
	if !ok {
		return
	}
	err := s.catalog.DisableMaintenance(r.Context(), nodeID)
	writeResult(w, struct{}{}, err)
}

func pathNodeID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := mux.Vars(r)["node_id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		http.Error(w, "bad node_id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeResult maps a catalog error to the "monitor logical error"
// contract: named errors come back as 409 with their message, never a bare
// 500 that would hide what went wrong.
func writeResult(w http.ResponseWriter, result interface{}, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		switch err {
		case catalog.ErrNoPrimary, catalog.ErrUnknownFormation, catalog.ErrUnknownNode,
			catalog.ErrSystemIdentifierMismatch, catalog.ErrGroupHasNoEligibleCandidate,
			catalog.ErrInvalidCandidatePriority:
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}
