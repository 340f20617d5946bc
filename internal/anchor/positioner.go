package anchor

import (
	"context"
	"errors"
	"log/slog"

	chatErrors "github.com/yourjinKR/myFitSync-sub000/internal/errors"
	"github.com/yourjinKR/myFitSync-sub000/internal/model"
)

// Result 定位结果
type Result struct {
	Decision Decision
	FellBack bool // 目标不可用，退回到底部
}

// Positioner 执行打开聊天室时的多轮定位
type Positioner struct {
	anchorer ViewportAnchorer
	logger   *slog.Logger
}

// NewPositioner 创建 Positioner
func NewPositioner(anchorer ViewportAnchorer, logger *slog.Logger) *Positioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Positioner{anchorer: anchorer, logger: logger.With("component", "anchor")}
}

// Position 依次执行三轮定位，返回时定位已稳定
// 目标始终找不到时退回底部而不是无限等待
func (p *Positioner) Position(ctx context.Context, d Decision) (Result, error) {
	res := Result{Decision: d}
	if d.AtBottom {
		p.anchorer.ScrollToBottom()
		return res, nil
	}

	steps := []func(context.Context, int64) error{
		p.anchorer.Compute,
		p.anchorer.CorrectAfterSettle,
		p.anchorer.Validate,
	}
	for _, step := range steps {
		err := step(ctx, d.TargetID)
		if err == nil {
			continue
		}
		if chatErrors.Is(err, ErrTargetMissing) {
			p.logger.Warn("Anchor target missing, falling back to bottom",
				"target_id", d.TargetID,
				"error", err)
			p.anchorer.ScrollToBottom()
			res.FellBack = true
			return res, nil
		}
		return res, err
	}

	p.logger.Debug("Anchor settled", "target_id", d.TargetID)
	return res, nil
}

// Follower 实时消息的跟随路径
type Follower struct {
	vp     Viewport
	opts   Options
	logger *slog.Logger
}

// NewFollower 创建 Follower
func NewFollower(vp Viewport, opts Options, logger *slog.Logger) *Follower {
	if logger == nil {
		logger = slog.Default()
	}
	return &Follower{vp: vp, opts: opts, logger: logger.With("component", "anchor")}
}

// Follow 新消息到达：滚动到底部；
// 图片消息加载完成后，如果用户仍停留在贴底位置附近则再次贴底，不重新执行完整定位
func (f *Follower) Follow(ctx context.Context, m model.Message) error {
	snapped := maxScroll(f.vp)
	f.vp.SetScrollTop(snapped)
	if !m.IsImage() {
		return nil
	}

	waitCtx := ctx
	if f.opts.ImageTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, f.opts.ImageTimeout)
		defer cancel()
	}
	if err := f.vp.WaitImage(waitCtx, m.ID); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	// 图片撑高内容后 scrollTop 不变；用户主动上滑则超出阈值
	if snapped-f.vp.ScrollTop() <= f.opts.NearBottom {
		f.vp.SetScrollTop(maxScroll(f.vp))
	}
	return nil
}
