package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"roomnet/binary"
	"roomnet/config"
	"roomnet/metrics"
)

const (
	// 再接続時にクライアントが申告するヘッダ
	HeaderToken        = "Roomnet-Token"
	HeaderLastEventSeq = "Roomnet-Last-Event-Seq"
	// サーバと同居するクライアント(ホスト)の識別用
	HeaderLocalKey = "Roomnet-Local-Key"
)

// Handler receives connection lifecycle and msg callbacks.
// Called from conn goroutines; implementations must be goroutine safe.
type Handler interface {
	OnConnStarted(c *Conn)
	OnConnStopped(c *Conn, cause error)
	HandleMsg(c *Conn, m binary.Msg)
}

type Server struct {
	conf     *config.ServerConf
	deadline time.Duration
	handler  Handler

	localKey string

	mu      sync.RWMutex
	conns   map[ConnID]*Conn
	byToken map[string]*Conn
	nextID  ConnID

	upgrader websocket.Upgrader

	logger *zap.SugaredLogger
}

func NewServer(conf *config.ServerConf, deadline time.Duration, handler Handler, logger *zap.SugaredLogger) *Server {
	return &Server{
		conf:     conf,
		deadline: deadline,
		handler:  handler,

		localKey: uuid.NewString(),

		conns:   make(map[ConnID]*Conn),
		byToken: make(map[string]*Conn),

		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},

		logger: logger,
	}
}

// LocalKey : 同一プロセス内のクライアントが接続時に提示する鍵
func (s *Server) LocalKey() string {
	return s.localKey
}

// Serve : websocketサーバを起動する.
// ctxのキャンセルで停止する.
func (s *Server) Serve(ctx context.Context) error {
	laddr := fmt.Sprintf(":%d", s.conf.WebsocketPort)
	s.logger.Infof("websocket: listen : %v", laddr)
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", laddr)
	if err != nil {
		return xerrors.Errorf("listen failed: %w", err)
	}

	svr := &http.Server{
		Handler: s.Handler(),
	}
	go func() {
		<-ctx.Done()
		svr.Close()
	}()

	cert, key := s.conf.TLSCert, s.conf.TLSKey
	if cert != "" {
		s.logger.Infof("websocket: TLS enabled : cert=%v key=%v", cert, key)
		err = svr.ServeTLS(listener, cert, key)
	} else {
		err = svr.Serve(listener)
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler : ルーティング. Serveのほかテストからも使う.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/rooms", s.handleRoom).Methods("GET")
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(HeaderToken)
	lastEvSeq, _ := strconv.Atoi(r.Header.Get(HeaderLastEventSeq))

	var conn *Conn
	if token != "" {
		// 再接続
		s.mu.RLock()
		conn = s.byToken[token]
		s.mu.RUnlock()
		if conn == nil || !conn.IsActive() {
			s.logger.Infof("reconnect failed: no such conn: token=%v", token)
			http.Error(w, "no such connection", http.StatusNotFound)
			return
		}
	}

	if conn != nil {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Errorf("websocket upgrade: %v", err)
			return
		}
		s.logger.Infof("reconnect: conn=%v peer=%v", conn.ID(), ws.RemoteAddr())
		NewPeer(ws, conn, lastEvSeq, s.logger)
		return
	}

	isLocal := r.Header.Get(HeaderLocalKey) == s.localKey
	conn = s.register(isLocal)

	// 新規コネクションにはレスポンスヘッダで再接続用トークンを渡す
	hdr := http.Header{}
	hdr.Set(HeaderToken, conn.Token())
	ws, err := s.upgrader.Upgrade(w, r, hdr)
	if err != nil {
		s.logger.Errorf("websocket upgrade: %v", err)
		s.removeConn(conn, xerrors.Errorf("upgrade failed: %w", err))
		return
	}
	s.logger.Infof("new conn: conn=%v local=%v peer=%v", conn.ID(), isLocal, ws.RemoteAddr())

	s.handler.OnConnStarted(conn)
	NewPeer(ws, conn, 0, s.logger)
}

func (s *Server) register(isLocal bool) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	conn := newConn(s, s.nextID, uuid.NewString(), isLocal, s.logger)
	s.conns[conn.ID()] = conn
	s.byToken[conn.Token()] = conn
	metrics.Conns.Add(1)
	return conn
}

// removeConn : connをテーブルから外して停止する.
// タイムアウトや不正msgの検知時にconnのgoroutineからも呼ばれる.
func (s *Server) removeConn(c *Conn, cause error) {
	s.mu.Lock()
	if _, ok := s.conns[c.ID()]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c.ID())
	delete(s.byToken, c.Token())
	metrics.Conns.Add(-1)
	s.mu.Unlock()

	c.remove()
	s.handler.OnConnStopped(c, cause)
}

// CloseConn : 明示的にコネクションを切断する
func (s *Server) CloseConn(c *Conn, cause error) {
	s.removeConn(c, cause)
}

// GetConn returns the live conn for id, or nil.
func (s *Server) GetConn(id ConnID) *Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[id]
}

// ActiveConns : 現在生きているコネクションの列挙
func (s *Server) ActiveConns() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		if c.IsActive() {
			conns = append(conns, c)
		}
	}
	return conns
}
