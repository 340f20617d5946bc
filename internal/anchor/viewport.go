package anchor

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	chatErrors "github.com/yourjinKR/myFitSync-sub000/internal/errors"
	"github.com/yourjinKR/myFitSync-sub000/internal/retry"
)

// ErrTargetMissing 目标元素在有限次重试后仍未挂载
var ErrTargetMissing = chatErrors.ErrAnchorTargetMissing

// Viewport 滚动容器的测量与控制原语
// 由界面层实现；测试中可以打桩
type Viewport interface {
	// ChromeHeight 视口顶部固定头部/工具栏的高度
	ChromeHeight() float64
	// ElementOffset 消息元素相对滚动内容顶部的偏移，未挂载时返回 false
	ElementOffset(messageID int64) (float64, bool)
	ScrollTop() float64
	// SetScrollTop 立即滚动，不带动画
	SetScrollTop(y float64)
	ScrollHeight() float64
	ClientHeight() float64
	// WaitImages 等待容器内所有图片触发 load 或 error
	WaitImages(ctx context.Context) error
	// WaitImage 等待单条消息的图片触发 load 或 error
	WaitImage(ctx context.Context, messageID int64) error
}

// ViewportAnchorer 多轮定位的三个显式步骤
type ViewportAnchorer interface {
	// Compute 第一轮：立即把目标放到固定头部下方
	Compute(ctx context.Context, targetID int64) error
	// CorrectAfterSettle 第二轮：图片加载完成后重新测量并修正漂移
	CorrectAfterSettle(ctx context.Context, targetID int64) error
	// Validate 第三轮：短暂等待后确认目标在可接受区间内
	Validate(ctx context.Context, targetID int64) error
	ScrollToBottom()
}

// Options 定位参数
type Options struct {
	Margin       float64       // 目标与头部之间的留白
	Tolerance    float64       // 第二轮允许的漂移
	BandMin      float64       // 第三轮：目标顶部距头部底边的最小距离
	BandMax      float64       // 第三轮：目标顶部距头部底边的最大距离
	SettleDelay  time.Duration // 第三轮前的等待
	ImageTimeout time.Duration // 等待图片的上限
	Lookup       retry.Policy  // 目标元素未挂载时的轮询策略
	NearBottom   float64       // 实时图片消息再次贴底的阈值
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		Margin:       12,
		Tolerance:    4,
		BandMin:      4,
		BandMax:      80,
		SettleDelay:  150 * time.Millisecond,
		ImageTimeout: 3 * time.Second,
		Lookup:       retry.Fixed(10, 50*time.Millisecond),
		NearBottom:   120,
	}
}

// MeasuredAnchorer 基于 Viewport 测量的 ViewportAnchorer 实现
type MeasuredAnchorer struct {
	vp     Viewport
	opts   Options
	logger *slog.Logger
}

// NewMeasuredAnchorer 创建定位器
func NewMeasuredAnchorer(vp Viewport, opts Options, logger *slog.Logger) *MeasuredAnchorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeasuredAnchorer{
		vp:     vp,
		opts:   opts,
		logger: logger.With("component", "anchor"),
	}
}

// Compute 实现 ViewportAnchorer
func (a *MeasuredAnchorer) Compute(ctx context.Context, targetID int64) error {
	var offset float64
	err := a.opts.Lookup.Do(ctx, func(attempt int) (bool, error) {
		o, ok := a.vp.ElementOffset(targetID)
		if ok {
			offset = o
		}
		return ok, nil
	})
	if errors.Is(err, retry.ErrAttemptsExhausted) {
		return ErrTargetMissing.Wrapf("message %d", targetID)
	}
	if err != nil {
		return err
	}

	a.vp.SetScrollTop(a.desired(offset))
	return nil
}

// CorrectAfterSettle 实现 ViewportAnchorer
func (a *MeasuredAnchorer) CorrectAfterSettle(ctx context.Context, targetID int64) error {
	waitCtx := ctx
	if a.opts.ImageTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, a.opts.ImageTimeout)
		defer cancel()
	}
	if err := a.vp.WaitImages(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// 图片超时不阻止修正，按当前布局测量
		a.logger.Debug("Image wait ended early", "error", err)
	}

	offset, ok := a.vp.ElementOffset(targetID)
	if !ok {
		return ErrTargetMissing.Wrapf("message %d detached", targetID)
	}
	want := a.desired(offset)
	if drift := math.Abs(a.vp.ScrollTop() - want); drift > a.opts.Tolerance {
		a.logger.Debug("Anchor drift corrected", "target_id", targetID, "drift", drift)
		a.vp.SetScrollTop(want)
	}
	return nil
}

// Validate 实现 ViewportAnchorer
func (a *MeasuredAnchorer) Validate(ctx context.Context, targetID int64) error {
	if a.opts.SettleDelay > 0 {
		timer := time.NewTimer(a.opts.SettleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	offset, ok := a.vp.ElementOffset(targetID)
	if !ok {
		return ErrTargetMissing.Wrapf("message %d detached", targetID)
	}
	visible := offset - a.vp.ScrollTop() - a.vp.ChromeHeight()
	if visible >= a.opts.BandMin && visible <= a.opts.BandMax {
		return nil
	}

	want := a.desired(offset)
	if math.Abs(a.vp.ScrollTop()-want) > 0.5 {
		a.logger.Debug("Anchor outside band, final correction",
			"target_id", targetID,
			"visible", visible)
		a.vp.SetScrollTop(want)
	}
	return nil
}

// ScrollToBottom 实现 ViewportAnchorer
func (a *MeasuredAnchorer) ScrollToBottom() {
	a.vp.SetScrollTop(maxScroll(a.vp))
}

// desired 让目标紧贴在固定头部下方的滚动位置
func (a *MeasuredAnchorer) desired(offset float64) float64 {
	y := offset - a.vp.ChromeHeight() - a.opts.Margin
	return math.Max(0, math.Min(y, maxScroll(a.vp)))
}

func maxScroll(vp Viewport) float64 {
	return math.Max(0, vp.ScrollHeight()-vp.ClientHeight())
}
