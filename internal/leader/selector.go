package leader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"TaskFlow-Engine/pkg/logger"
)

// State 是节点在选举中的状态。
type State int32

const (
	StateFollower State = iota
	StateCandidate
	StateLeader
)

func (s State) String() string {
	switch s {
	case StateFollower:
		return "FOLLOWER"
	case StateCandidate:
		return "CANDIDATE"
	case StateLeader:
		return "LEADER"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Control 在成为领导者后交给回调，用于协作式停止。
type Control interface {
	// ShouldStop 在失去领导权或选举器停止后返回 true。
	ShouldStop() bool
	// WorkAsyncUntilShouldStop 立即执行 start，并在领导权结束时执行 stop。
	WorkAsyncUntilShouldStop(start, stop func())
}

// LeaderFunc 在节点成为领导者时被调用，应当登记异步工作后尽快返回。
type LeaderFunc func(ctrl Control)

type control struct {
	shouldStop atomic.Bool
	mu         sync.Mutex
	stops      []func()
}

func (c *control) ShouldStop() bool {
	return c.shouldStop.Load()
}

func (c *control) WorkAsyncUntilShouldStop(start, stop func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldStop.Load() {
		return
	}
	if start != nil {
		start()
	}
	if stop != nil {
		c.stops = append(c.stops, stop)
	}
}

// finish 标记停止并按登记顺序执行 stop 回调。
func (c *control) finish() {
	c.shouldStop.Store(true)
	c.mu.Lock()
	stops := c.stops
	c.stops = nil
	c.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// Selector 通过租约锁参与选举，同一个 key 同一时刻只有一个节点处于 LEADER。
type Selector struct {
	lock          Lock
	key           string
	owner         string
	token         string
	ttl           time.Duration
	retryInterval time.Duration
	opTimeout     time.Duration
	leader        LeaderFunc
	listeners     []func(State)
	log           *slog.Logger

	state     atomic.Int32
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Option 定义 Selector 的可选配置。
type Option func(*Selector)

// WithOwner 设置参与选举的节点标识，仅用于日志与租约 token 的前缀。
func WithOwner(owner string) Option {
	return func(s *Selector) {
		if owner != "" {
			s.owner = owner
		}
	}
}

// WithLeaseTTL 设置租约时长，续约间隔为其三分之一。
func WithLeaseTTL(ttl time.Duration) Option {
	return func(s *Selector) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithRetryInterval 设置未获得领导权时的重试间隔。
func WithRetryInterval(interval time.Duration) Option {
	return func(s *Selector) {
		if interval > 0 {
			s.retryInterval = interval
		}
	}
}

// WithStateListener 登记状态变化回调。
func WithStateListener(listener func(State)) Option {
	return func(s *Selector) {
		if listener != nil {
			s.listeners = append(s.listeners, listener)
		}
	}
}

// NewSelector 创建选举器，调用 Start 后开始参与选举。
func NewSelector(lock Lock, key string, leader LeaderFunc, opts ...Option) *Selector {
	s := &Selector{
		lock:          lock,
		key:           key,
		owner:         key,
		ttl:           15 * time.Second,
		retryInterval: 5 * time.Second,
		leader:        leader,
		log:           logger.Named("leader"),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.opTimeout = s.ttl / 3
	// 节点标识可能重复（例如默认取主机名），租约必须绑定到本进程内唯一的 token。
	s.token = s.owner + "/" + uuid.NewString()
	return s
}

// Token 返回本选举器持有租约时写入的 token。
func (s *Selector) Token() string {
	return s.token
}

// Start 开始参与选举，重复调用无效果。
func (s *Selector) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Stop 退出选举，若持有领导权则执行 stop 回调并释放租约。
func (s *Selector) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	// 未启动过的选举器直接视为已停止。
	s.startOnce.Do(func() { close(s.doneCh) })
}

// HasStopped 判断选举循环是否已退出且租约已释放。
func (s *Selector) HasStopped() bool {
	select {
	case <-s.doneCh:
		return true
	default:
		return false
	}
}

// Done 返回选举循环退出时关闭的 channel。
func (s *Selector) Done() <-chan struct{} {
	return s.doneCh
}

// State 返回当前状态。
func (s *Selector) State() State {
	return State(s.state.Load())
}

func (s *Selector) setState(state State) {
	if State(s.state.Swap(int32(state))) == state {
		return
	}
	for _, listener := range s.listeners {
		listener(state)
	}
}

func (s *Selector) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Selector) run() {
	defer close(s.doneCh)
	defer s.setState(StateFollower)

	for !s.stopped() {
		s.setState(StateCandidate)
		ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
		acquired, err := s.lock.Acquire(ctx, s.key, s.token, s.ttl)
		cancel()
		if err != nil {
			s.log.Warn("参与选举失败", slog.String("key", s.key), slog.Any("error", err))
		}
		if acquired && !s.stopped() {
			s.lead()
			continue
		}
		if acquired {
			s.release()
			return
		}
		s.setState(StateFollower)
		select {
		case <-s.stopCh:
			return
		case <-time.After(s.retryInterval):
		}
	}
}

func (s *Selector) lead() {
	s.setState(StateLeader)
	logger.Audit().Info("获得领导权", slog.String("key", s.key), slog.String("owner", s.owner), slog.String("token", s.token))

	ctrl := &control{}
	s.invokeLeader(ctrl)

	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()
renew:
	for {
		select {
		case <-s.stopCh:
			break renew
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
			ok, err := s.lock.Refresh(ctx, s.key, s.token, s.ttl)
			cancel()
			if err != nil || !ok {
				s.log.Warn("领导权租约丢失", slog.String("key", s.key), slog.Bool("refreshed", ok), slog.Any("error", err))
				break renew
			}
		}
	}

	ctrl.finish()
	s.release()
	s.setState(StateFollower)
	logger.Audit().Info("放弃领导权", slog.String("key", s.key), slog.String("owner", s.owner), slog.String("token", s.token))
}

func (s *Selector) invokeLeader(ctrl *control) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("领导者回调发生 panic", slog.String("key", s.key), slog.String("panic", fmt.Sprint(r)))
		}
	}()
	if s.leader != nil {
		s.leader(ctrl)
	}
}

func (s *Selector) release() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()
	if err := s.lock.Release(ctx, s.key, s.token); err != nil {
		s.log.Warn("释放领导权租约失败", slog.String("key", s.key), slog.Any("error", err))
	}
}
