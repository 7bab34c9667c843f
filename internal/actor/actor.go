package actor

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/internal/trustchain"
)

// ErrStopped 在 actor 已关闭后返回。
var ErrStopped = errors.New("actor: stopped")

// subscriberBuffer 是每个订阅者的缓冲；写满的订阅者会被断开。
const subscriberBuffer = 64

type op struct {
	ctx  context.Context
	fn   func(ctx context.Context)
	done chan struct{}
}

// Actor 是一个群组的单写者状态机。
type Actor struct {
	id           string
	store        StateStore
	dispatcher   *Dispatcher
	orchestrator ed25519.PublicKey
	log          *slog.Logger
	now          func() time.Time

	mailbox chan op
	quit    chan struct{}
	stopped chan struct{}

	// 以下字段只在 mailbox goroutine 中访问。
	loaded  bool
	session *activeSession
	subs    map[uint64]chan Message
	nextSub uint64
}

func newActor(id string, h *Host) *Actor {
	a := &Actor{
		id:           id,
		store:        h.store,
		dispatcher:   h.dispatcher,
		orchestrator: h.orchestrator,
		log:          h.log.With("actor_id", id),
		now:          h.now,
		mailbox:      make(chan op, h.mailboxSize),
		quit:         make(chan struct{}),
		stopped:      make(chan struct{}),
		subs:         make(map[uint64]chan Message),
	}
	go a.run()
	return a
}

// ID 返回 actor id。
func (a *Actor) ID() string { return a.id }

func (a *Actor) run() {
	defer close(a.stopped)
	for {
		select {
		case o := <-a.mailbox:
			o.fn(o.ctx)
			close(o.done)
		case <-a.quit:
			for id, ch := range a.subs {
				close(ch)
				delete(a.subs, id)
			}
			return
		}
	}
}

// do 将操作投递到 mailbox 并等待其完成。
func (a *Actor) do(ctx context.Context, fn func(ctx context.Context)) error {
	o := op{ctx: ctx, fn: fn, done: make(chan struct{})}
	select {
	case a.mailbox <- o:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopped:
		return ErrStopped
	}
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopped:
		return ErrStopped
	}
}

func (a *Actor) stop() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
	<-a.stopped
}

// Init 校验并保存会话材料，重复调用会覆盖旧会话。
func (a *Actor) Init(ctx context.Context, req InitRequest) error {
	if req.SessionPrivateKey == "" || req.SessionCertificate == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "session_private_key and session_certificate are required")
	}
	if len(a.orchestrator) == 0 {
		return xerrors.New(xerrors.CodeConfiguration, "orchestrator public key is not configured")
	}
	certified, cert, err := trustchain.VerifySessionCertificateAt(a.orchestrator, req.SessionCertificate, a.now())
	if err != nil {
		return trustchain.Classify(err)
	}
	if IDForGroup(cert.GroupID) != a.id {
		return xerrors.New(xerrors.CodeForbidden, "")
	}
	priv, err := trustchain.DecodePrivateKey(req.SessionPrivateKey)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "session_private_key is invalid")
	}
	if !trustchain.PublicOf(priv).Equal(certified) {
		return xerrors.New(xerrors.CodeForbidden, "")
	}

	session := Session{
		GroupID:     cert.GroupID,
		OrgID:       req.OrgID,
		PrivateKey:  trustchain.EncodeKey(priv),
		Certificate: req.SessionCertificate,
		UpdatedAt:   a.now().UTC(),
	}
	var opErr error
	if err := a.do(ctx, func(ctx context.Context) {
		if err := a.store.Init(ctx, a.id, session); err != nil {
			opErr = xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话失败")
			return
		}
		a.loaded = true
		a.session = &activeSession{groupID: cert.GroupID, orgID: req.OrgID, private: priv, certificate: req.SessionCertificate}
		a.log.Info("actor 会话已初始化", "group_id", cert.GroupID)
	}); err != nil {
		return err
	}
	return opErr
}

// loadSession 在 mailbox 中调用。
func (a *Actor) loadSession(ctx context.Context) (*activeSession, error) {
	if a.loaded {
		return a.session, nil
	}
	stored, err := a.store.Session(ctx, a.id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	a.loaded = true
	if stored == nil {
		return nil, nil
	}
	priv, err := trustchain.DecodePrivateKey(stored.PrivateKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "stored session key is invalid")
	}
	a.session = &activeSession{groupID: stored.GroupID, orgID: stored.OrgID, private: priv, certificate: stored.Certificate}
	return a.session, nil
}

// Messages 按创建顺序返回消息日志。
func (a *Actor) Messages(ctx context.Context) ([]Message, error) {
	var (
		out   []Message
		opErr error
	)
	if err := a.do(ctx, func(ctx context.Context) {
		out, opErr = a.store.List(ctx, a.id)
	}); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, opErr, "读取消息失败")
	}
	if out == nil {
		out = []Message{}
	}
	return out, nil
}

// Post 追加用户消息并依次调用 agent runtime。
func (a *Actor) Post(ctx context.Context, req PostRequest) (*PostResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	var (
		result *PostResult
		opErr  error
	)
	if err := a.do(ctx, func(ctx context.Context) {
		result, opErr = a.post(ctx, req)
	}); err != nil {
		return nil, err
	}
	return result, opErr
}

func (a *Actor) post(ctx context.Context, req PostRequest) (*PostResult, error) {
	sess, err := a.loadSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotInitialized
	}

	id := req.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	user := Message{ID: id, Role: RoleUser, Text: req.Text, UserID: req.UserID, CreatedAt: a.now().UTC()}
	if err := a.append(ctx, user); err != nil {
		return nil, err
	}

	result := &PostResult{MessageID: id, AgentMessages: []Message{}}
	var report DispatchReport
	for _, ref := range req.AgentRuntimes {
		reply, err := a.dispatcher.Call(ctx, sess, ref, req.Text)
		if err == nil {
			reply.ID = uuid.NewString()
			reply.CreatedAt = a.now().UTC()
			if appendErr := a.append(ctx, reply); appendErr != nil {
				err = &DispatchError{Reason: ReasonStorage, Err: appendErr}
			}
		}
		report.add(a.dispatcher.record(ref, err))
		if err == nil {
			result.AgentMessages = append(result.AgentMessages, reply)
		}
	}
	result.Skipped = report.Skipped()
	return result, nil
}

// append 在 mailbox 中调用，写入成功后推送给订阅者。
func (a *Actor) append(ctx context.Context, msg Message) error {
	if err := a.store.Append(ctx, a.id, msg); err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeConflict {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入消息失败")
	}
	for id, ch := range a.subs {
		select {
		case ch <- msg:
		default:
			a.log.Warn("订阅者处理过慢，已断开", "subscriber", id)
			close(ch)
			delete(a.subs, id)
		}
	}
	return nil
}

// Subscription 是消息流订阅，History 为订阅时刻的完整日志。
type Subscription struct {
	History []Message
	C       <-chan Message

	actor *Actor
	id    uint64
}

// Subscribe 原子地返回当前日志并订阅后续追加的消息。
func (a *Actor) Subscribe(ctx context.Context) (*Subscription, error) {
	var (
		sub   *Subscription
		opErr error
	)
	if err := a.do(ctx, func(ctx context.Context) {
		history, err := a.store.List(ctx, a.id)
		if err != nil {
			opErr = xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取消息失败")
			return
		}
		ch := make(chan Message, subscriberBuffer)
		a.nextSub++
		a.subs[a.nextSub] = ch
		if history == nil {
			history = []Message{}
		}
		sub = &Subscription{History: history, C: ch, actor: a, id: a.nextSub}
	}); err != nil {
		return nil, err
	}
	return sub, opErr
}

// Close 取消订阅。
func (s *Subscription) Close() {
	if s == nil || s.actor == nil {
		return
	}
	a := s.actor
	_ = a.do(context.Background(), func(context.Context) {
		if ch, ok := a.subs[s.id]; ok {
			close(ch)
			delete(a.subs, s.id)
		}
	})
}
