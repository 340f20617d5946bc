package eventloop

import (
	"context"
	"log/slog"
	"sync"

	chatErrors "github.com/yourjinKR/myFitSync-sub000/internal/errors"
)

// Task 定义任务函数类型
type Task func()

// Loop 单协程串行执行器
// 所有入站帧处理与消息仓库变更都投递到同一个 Loop，保证按投递顺序执行
type Loop struct {
	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// New 创建并启动 Loop
// queueSize: 任务队列大小
func New(queueSize int, logger *slog.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	l := &Loop{
		tasks:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.run()

	l.logger.Debug("Event loop started", "queue_size", queueSize)
	return l
}

// run 工作协程
func (l *Loop) run() {
	defer close(l.done)

	for {
		select {
		case <-l.ctx.Done():
			// 关闭前执行完已排队的任务
			for {
				select {
				case task := <-l.tasks:
					l.execute(task)
				default:
					return
				}
			}
		case task := <-l.tasks:
			l.execute(task)
		}
	}
}

// execute 执行任务，捕获 panic
func (l *Loop) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Task panic recovered", "panic", r)
		}
	}()
	task()
}

// Submit 提交任务
// 如果队列满了，会阻塞直到有空位或 Loop 被关闭
func (l *Loop) Submit(task Task) bool {
	if l.ctx.Err() != nil {
		return false
	}
	select {
	case <-l.ctx.Done():
		return false
	case l.tasks <- task:
		return true
	}
}

// TrySubmit 尝试提交任务，如果队列满了立即返回 false
func (l *Loop) TrySubmit(task Task) bool {
	if l.ctx.Err() != nil {
		return false
	}
	select {
	case <-l.ctx.Done():
		return false
	case l.tasks <- task:
		return true
	default:
		return false
	}
}

// Do 提交任务并等待其执行完成
// 不能在 Loop 内部的任务中调用
func (l *Loop) Do(ctx context.Context, task Task) error {
	if l.ctx.Err() != nil {
		return chatErrors.ErrShuttingDown
	}
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		task()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return chatErrors.ErrShuttingDown
	case l.tasks <- wrapped:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-finished:
		return nil
	case <-l.done:
		// 关闭时已排队任务会被执行，这里再确认一次
		select {
		case <-finished:
			return nil
		default:
			return chatErrors.ErrShuttingDown
		}
	}
}

// Shutdown 关闭 Loop，等待已排队任务执行完毕
func (l *Loop) Shutdown() {
	l.once.Do(func() {
		l.cancel()
		<-l.done
		l.logger.Debug("Event loop shutdown completed")
	})
}
