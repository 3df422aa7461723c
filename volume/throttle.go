package volume

import (
	"context"

	"golang.org/x/time/rate"
)

// 低优先级 I/O 的字节限速器. 前台与中优先级请求不受限
type Throttle struct {
	limiter *rate.Limiter
}

// bytesPerSec <= 0 表示不限速
func NewThrottle(bytesPerSec int) *Throttle {
	if bytesPerSec <= 0 {
		return &Throttle{}
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)}
}

func (t *Throttle) Wait(ctx context.Context, pri Priority, n int) error {
	if t == nil || t.limiter == nil || pri != Low {
		return ctx.Err()
	}

	// WaitN 要求单次请求不超过 burst，大请求拆分
	burst := t.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := t.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
