package transport

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"roomnet/binary"
	"roomnet/common"
)

const (
	ConnEventBufSize = 64
)

// ConnID : コネクション識別子.
// プロセス内で単調増加し、切断後も再利用しない.
type ConnID uint32

// Conn is one remote peer as seen by the server.
// It survives websocket reconnection: the websocket itself is a Peer,
// attached and detached while the Conn stays alive until deadline timeout
// or explicit close.
type Conn struct {
	id      ConnID
	token   string
	isLocal bool

	server *Server

	removed  chan struct{}
	done     chan struct{}
	closeMu  sync.Mutex
	closed   bool

	evbuf *common.RingBuf[*binary.RegularEvent]

	// 受信済みmsg seq. 再接続後の重複msgを捨てるために使う.
	lastMsgSeq int

	mu       sync.RWMutex
	peer     *Peer
	waitPeer chan struct{}
	newPeer  chan *Peer
	// 再接続時、新データが無くてもEventLoopに再送を促す
	wake chan struct{}

	logger *zap.SugaredLogger
}

func newConn(server *Server, id ConnID, token string, isLocal bool, logger *zap.SugaredLogger) *Conn {
	c := &Conn{
		id:      id,
		token:   token,
		isLocal: isLocal,
		server:  server,

		removed: make(chan struct{}),
		done:    make(chan struct{}),

		evbuf: common.NewRingBuf[*binary.RegularEvent](ConnEventBufSize),

		waitPeer: make(chan struct{}),
		newPeer:  make(chan *Peer),
		wake:     make(chan struct{}, 1),

		logger: logger.With("conn", id),
	}

	go c.MsgLoop(server.deadline)
	go c.EventLoop()

	return c
}

func (c *Conn) ID() ConnID {
	return c.id
}

func (c *Conn) Token() string {
	return c.token
}

// IsLocal : サーバプロセスと同居しているクライアント(=ホスト)のコネクションか
func (c *Conn) IsLocal() bool {
	return c.isLocal
}

// IsActive : まだ切断処理されていないか
func (c *Conn) IsActive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done returns a channel which closed when conn is done.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// MsgLoop goroutine.
// peerからのmsgをserverのhandlerに流し、deadline超過で切断する.
func (c *Conn) MsgLoop(deadline time.Duration) {
	c.logger.Debugf("Conn.MsgLoop start")
	var peerMsgCh <-chan binary.Msg
	t := time.NewTimer(deadline)
loop:
	for {
		select {
		case <-t.C:
			c.logger.Infof("conn timeout")
			c.server.removeConn(c, xerrors.Errorf("conn timeout: %v", c.id))
			break loop

		case <-c.removed:
			c.logger.Debugf("conn removed")
			if !t.Stop() {
				<-t.C
			}
			break loop

		case peer := <-c.newPeer:
			go drainMsg(peerMsgCh)
			if peer == nil {
				c.logger.Debugf("peer detached")
				peerMsgCh = nil
				continue
			}
			c.logger.Debugf("assign new peer: peer=%p", peer)
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			peerMsgCh = peer.MsgCh()
			t.Reset(deadline)

		case m, ok := <-peerMsgCh:
			if !ok {
				peerMsgCh = nil
				continue
			}
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(deadline)
			c.dispatch(m)
		}
	}
	close(c.done)
	go drainMsg(peerMsgCh)
	c.logger.Debugf("Conn.MsgLoop finish")
}

func (c *Conn) dispatch(m binary.Msg) {
	switch m.Type() {
	case binary.MsgTypePing:
		ts, err := binary.UnmarshalPingPayload(m.Payload())
		if err != nil {
			c.logger.Errorf("ping payload error: %v", err)
			return
		}
		c.SendSystemEvent(binary.NewEvPong(ts))
		return
	}

	if rm, ok := m.(binary.RegularMsg); ok {
		// 再接続による再送ぶんは捨てる
		if rm.SequenceNum() <= c.lastMsgSeq {
			c.logger.Debugf("discard duplicate msg: seq=%v last=%v", rm.SequenceNum(), c.lastMsgSeq)
			return
		}
		if rm.SequenceNum() != c.lastMsgSeq+1 {
			c.logger.Errorf("invalid msg sequence num: %v wants %v", rm.SequenceNum(), c.lastMsgSeq+1)
			c.server.removeConn(c, xerrors.Errorf("invalid msg seq: %v", rm.SequenceNum()))
			return
		}
		c.lastMsgSeq = rm.SequenceNum()
	}

	c.server.handler.HandleMsg(c, m)
}

func drainMsg(msgCh <-chan binary.Msg) {
	if msgCh == nil {
		return
	}
	for range msgCh {
	}
}

// removed : serverの切断処理から呼ばれる
func (c *Conn) remove() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.removed)

	c.mu.RLock()
	p := c.peer
	c.mu.RUnlock()
	p.Close("conn removed")
}

// Close : コネクションを明示的に終了する
func (c *Conn) Close(cause error) {
	c.server.removeConn(c, cause)
}

// Send : RegularEventをバッファに書き込む.
// 実際の送信はEventLoopが行い、peer不在中のイベントは再接続後に再送される.
func (c *Conn) Send(ev *binary.RegularEvent) error {
	return c.evbuf.Write(ev)
}

// SendSystemEvent : seq番号の無いイベントを直接送信する
func (c *Conn) SendSystemEvent(ev *binary.SystemEvent) error {
	peer, _ := c.getWritePeer()
	if peer == nil {
		return xerrors.Errorf("conn %v has no peer", c.id)
	}
	return peer.SendSystemEvent(ev)
}

// attachPeer: peerを紐付ける.
// peerのgoroutineから呼ばれる.
func (c *Conn) attachPeer(p *Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peer == nil {
		close(c.waitPeer)
	} else {
		c.peer.Detached()
	}
	c.peer = p
	select {
	case c.newPeer <- p:
	case <-c.removed:
		return
	}

	p.SendSystemEvent(binary.NewEvPeerReady(c.lastMsgSeq))

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// detachPeer: peerを切り離す.
// peer側で切断やエラーを検知したときにpeerのgoroutineから呼ばれる.
func (c *Conn) detachPeer(p *Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peer != p {
		return // すでにdetach済み
	}
	c.peer = nil
	select {
	case c.newPeer <- nil:
	case <-c.removed:
	}
	c.waitPeer = make(chan struct{})
}

func (c *Conn) getWritePeer() (*Peer, <-chan struct{}) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer, c.waitPeer
}

// EventLoop goroutine.
// evbufの内容を現在のpeerに送り続ける.
func (c *Conn) EventLoop() {
loop:
	for {
		select {
		case <-c.done:
			break loop
		case <-c.evbuf.HasData():
		case <-c.wake:
		}

		peer, wait := c.getWritePeer()
		if peer == nil {
			select {
			case <-c.done:
				break loop
			case <-wait:
				continue
			}
		}

		evs, err := c.evbuf.Read(peer.LastEventSeq())
		if err != nil {
			c.logger.Errorf("EventLoop read: %v", err)
			c.server.removeConn(c, err)
			break loop
		}
		if err := peer.SendEvents(evs); err != nil {
			c.logger.Infof("EventLoop send: %v", err)
			// peer側のMsgLoopがdetachするのを待つ
		}
	}
	c.logger.Debugf("Conn.EventLoop finish")
}
