package writersroom

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cjliu2003/writersroom-sub006/fallback"
	"github.com/cjliu2003/writersroom-sub006/utils"
)

const (
	maxFrameBytes = 1 << 22
	maxBodyBytes  = 1 << 22
	writeWait     = 10 * time.Second
)

// Server is the HTTP surface: the websocket sync endpoint plus the
// optimistic-concurrency REST path over the same documents.
type Server struct {
	log  utils.Logger
	eng  *Engine
	auth Verifier
	up   websocket.Upgrader
}

func NewServer(log utils.Logger, eng *Engine, auth Verifier) *Server {
	return &Server{
		log:  log,
		eng:  eng,
		auth: auth,
		up: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (srv *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/docs/{doc}/sync", srv.handleSync).Methods(http.MethodGet)
	r.HandleFunc("/v1/docs/{doc}/content", srv.handleApplyChange).Methods(http.MethodPost)
	r.HandleFunc("/v1/docs/{doc}/content", srv.handleGetContent).Methods(http.MethodGet)
	r.HandleFunc("/healthz", srv.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	const scheme = "Bearer "
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, scheme) {
		return h[len(scheme):]
	}
	return ""
}

func (srv *Server) principal(r *http.Request) (string, error) {
	return srv.auth.Verify(bearerToken(r))
}

func (srv *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	doc := mux.Vars(r)["doc"]
	principal, err := srv.principal(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := srv.up.Upgrade(w, r, nil)
	if err != nil {
		srv.log.Warn("upgrade failed", "doc", doc, "err", err)
		return
	}
	sess, err := srv.eng.Connect(doc, principal, wsTransport{conn})
	if err != nil {
		srv.log.Warn("connect failed", "doc", doc, "err", err)
		_ = conn.Close()
		return
	}
	go srv.writePump(conn, sess)
	go srv.readPump(conn, sess)
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t wsTransport) Close() error { return t.conn.Close() }

func (srv *Server) readPump(conn *websocket.Conn, sess *Session) {
	defer sess.Close()
	liveness := srv.eng.opts.LivenessTimeout
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(liveness))
	conn.SetPongHandler(func(string) error {
		sess.Touch()
		return conn.SetReadDeadline(time.Now().Add(liveness))
	})
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				srv.log.Warn("read failed",
					"doc", sess.Doc(), "conn", sess.ID(), "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(liveness))
		if mt != websocket.BinaryMessage {
			continue
		}
		sess.HandleFrame(data)
	}
}

func (srv *Server) writePump(conn *websocket.Conn, sess *Session) {
	// keepalive pings ride on their own timer; WriteControl is safe
	// to call concurrently with WriteMessage, so a slow document
	// operation never delays the ping
	ticker := time.NewTicker(srv.eng.opts.KeepaliveInterval)
	go func() {
		defer ticker.Stop()
		for range ticker.C {
			err := conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(writeWait))
			if err != nil {
				return
			}
		}
	}()
	feed := sess.Outbound()
	for {
		recs, err := feed.Feed()
		if err != nil {
			return
		}
		for _, rec := range recs {
			// an empty record is the teardown sentinel
			if len(rec) == 0 {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, rec); err != nil {
				go sess.Close()
				return
			}
		}
	}
}

type applyChangeRequest struct {
	Content        string `json:"content"`
	BaseVersion    uint64 `json:"base_version"`
	IdempotencyKey string `json:"idempotency_key"`
}

type contentResponse struct {
	Status            string `json:"status"`
	Version           uint64 `json:"version"`
	Content           string `json:"content,omitempty"`
	Origin            string `json:"origin,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func retrySeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int((d + time.Second - 1) / time.Second)
	return secs
}

func (srv *Server) handleApplyChange(w http.ResponseWriter, r *http.Request) {
	doc := mux.Vars(r)["doc"]
	principal, err := srv.principal(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req applyChangeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	res, err := srv.eng.fall.ApplyChange(r.Context(), doc, principal,
		req.Content, req.BaseVersion, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, fallback.ErrIdemMismatch) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		srv.log.Error("apply_change failed", "doc", doc, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	srv.eng.mtr.FallbackResults.WithLabelValues(res.Status.String()).Inc()
	code := http.StatusOK
	switch res.Status {
	case fallback.StatusConflict:
		code = http.StatusConflict
	case fallback.StatusRateLimited:
		code = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(res.RetryAfter)))
	case fallback.StatusBusy:
		code = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, code, contentResponse{
		Status:            res.Status.String(),
		Version:           res.Version,
		Content:           res.Content,
		RetryAfterSeconds: retrySeconds(res.RetryAfter),
	})
}

func (srv *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	doc := mux.Vars(r)["doc"]
	if _, err := srv.principal(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	snap, err := srv.eng.fall.Current(doc)
	if err != nil {
		srv.log.Error("content read failed", "doc", doc, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !snap.Exists {
		// no fallback record yet; a live replica may still have state
		if content, ok := srv.eng.LiveContent(doc); ok {
			writeJSON(w, http.StatusOK, contentResponse{
				Status: "ok", Content: content, Origin: "sync",
			})
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	origin := "fallback"
	if snap.Origin == fallback.OriginSync {
		origin = "sync"
	}
	writeJSON(w, http.StatusOK, contentResponse{
		Status:  "ok",
		Version: snap.Version,
		Content: snap.Content,
		Origin:  origin,
	})
}

func (srv *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"fanout": srv.eng.relay.Mode(),
	})
}
