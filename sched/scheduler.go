package sched

import (
	"context"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xiaoxuxiansheng/goindy/volume"
)

var ErrStopped = errors.New("sched: scheduler stopped")

// 任务
type Job func(ctx context.Context) error

// 已提交的任务句柄
type Task struct {
	s    *Scheduler
	pri  volume.Priority
	job  Job
	ctx  context.Context
	done chan struct{}
	err  error
}

// 阻塞直到任务执行完成，返回任务的错误.
// ctx 取消时，仍在排队的任务被撤销并返回 ctx.Err()；已经开始执行的任务不可取消，
// 继续等待并返回任务自身的结果，保证调用方看到的结果与任务的实际效果一致
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if t.s.cancel(t, ctx.Err()) {
			return ctx.Err()
		}
		<-t.done
		return t.err
	case <-t.done:
		return t.err
	}
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) Priority() volume.Priority {
	return t.pri
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

type Config struct {
	Workers        int // 工作协程数
	LowConcurrency int // 同时运行的低优先级任务上限
	Logger         *zap.Logger
}

// 按优先级调度的任务池. 工作协程总是先取 RealTime，再取 Medium，最后取 Low；
// 低优先级任务的并发数受信号量限制，保证前台任务总有空闲的工作协程
type Scheduler struct {
	conf   Config
	lowSem *semaphore.Weighted

	mu      sync.Mutex
	cond    *sync.Cond
	queues  [3][]*Task
	stopped bool

	wg sync.WaitGroup
}

func New(conf Config) *Scheduler {
	if conf.Workers <= 0 {
		conf.Workers = 4
	}
	if conf.LowConcurrency <= 0 || conf.LowConcurrency >= conf.Workers {
		conf.LowConcurrency = conf.Workers - 1
		if conf.LowConcurrency < 1 {
			conf.LowConcurrency = 1
		}
	}
	if conf.Logger == nil {
		conf.Logger = zap.L()
	}

	s := Scheduler{
		conf:   conf,
		lowSem: semaphore.NewWeighted(int64(conf.LowConcurrency)),
	}
	s.cond = sync.NewCond(&s.mu)
	for i := 0; i < conf.Workers; i++ {
		s.wg.Add(1)
		go s.work()
	}
	return &s
}

// 提交任务. 调度器停止后提交的任务立即以 ErrStopped 结束
func (s *Scheduler) Schedule(ctx context.Context, pri volume.Priority, job Job) *Task {
	t := Task{s: s, pri: pri, job: job, ctx: ctx, done: make(chan struct{})}
	if pri > volume.Low {
		t.pri = volume.Low
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		t.finish(ErrStopped)
		return &t
	}
	s.queues[t.pri] = append(s.queues[t.pri], &t)
	s.mu.Unlock()

	scheduledTotal(t.pri).Inc()
	s.cond.Signal()
	return &t
}

// 撤销仍在队列中的任务. 任务已被工作协程取走时返回 false
func (s *Scheduler) cancel(t *Task, err error) bool {
	s.mu.Lock()
	q := s.queues[t.pri]
	for i, queued := range q {
		if queued != t {
			continue
		}
		s.queues[t.pri] = append(q[:i:i], q[i+1:]...)
		s.mu.Unlock()
		t.finish(err)
		return true
	}
	s.mu.Unlock()
	return false
}

// 提交任务并等待完成
func (s *Scheduler) Run(ctx context.Context, pri volume.Priority, job Job) error {
	return s.Schedule(ctx, pri, job).Wait(ctx)
}

func (s *Scheduler) work() {
	defer s.wg.Done()
	for {
		t, ok := s.next()
		if !ok {
			return
		}
		s.execute(t)
	}
}

// 取下一个可运行的任务. 低优先级任务只有拿到信号量才会被取走
func (s *Scheduler) next() (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		for pri := volume.RealTime; pri <= volume.Low; pri++ {
			q := s.queues[pri]
			if len(q) == 0 {
				continue
			}
			if pri == volume.Low && !s.lowSem.TryAcquire(1) {
				continue
			}
			t := q[0]
			q[0] = nil
			s.queues[pri] = q[1:]
			return t, true
		}
		if s.stopped {
			return nil, false
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) execute(t *Task) {
	if t.pri == volume.Low {
		defer func() {
			s.lowSem.Release(1)
			// 释放了低优先级的名额，唤醒可能在等待的协程
			s.cond.Broadcast()
		}()
	}

	// 开始执行之前取消的任务直接结束，开始之后任务不再感知取消
	if err := t.ctx.Err(); err != nil {
		t.finish(err)
		return
	}
	ctx := context.WithoutCancel(t.ctx)

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("sched: job panic: %v", r)
				s.conf.Logger.Error("job panic", zap.Stringer("priority", t.pri), zap.Any("panic", r))
			}
		}()
		err = t.job(ctx)
	}()
	t.finish(err)
}

// 停止调度器. 正在执行的任务执行完；仍在排队的任务以 ErrStopped 结束，之后提交的任务同样返回 ErrStopped
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	var queued []*Task
	for pri := range s.queues {
		queued = append(queued, s.queues[pri]...)
		s.queues[pri] = nil
	}
	s.mu.Unlock()

	for _, t := range queued {
		t.finish(ErrStopped)
	}
	s.cond.Broadcast()
	s.wg.Wait()
}

func (s *Scheduler) Pending() (realTime, medium, low int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[volume.RealTime]), len(s.queues[volume.Medium]), len(s.queues[volume.Low])
}

func scheduledTotal(pri volume.Priority) *metrics.Counter {
	return metrics.GetOrCreateCounter(`goindy_sched_tasks_total{priority="` + pri.String() + `"}`)
}
