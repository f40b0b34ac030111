package proto

import (
	"AtagDetServer/imgdecode"
	iface "AtagDetServer/interface"
	"AtagDetServer/logger"
	"AtagDetServer/session"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// JobPackage carries one frame to a worker. Exactly one of Encoded and
// Frame.Buf is set.
type JobPackage struct {
	entry   *session.Entry
	Encoded []byte
	Frame   iface.ImageU8
	Result  chan jobResult
}

type jobResult struct {
	Payload string
	Err     error
}

var JobQueue chan JobPackage

var CloseChannel chan bool

func StartWorker(workerNum int) {
	for i := 0; i < workerNum; i++ {
		go runWorker(i)
	}
}

func runWorker(workerID int) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("worker panic, restarting in 1s", zap.Int("worker", workerID), zap.Any("panic", r))
			time.Sleep(1 * time.Second)
			go runWorker(workerID)
		}
	}()
	// 引擎句柄不跨线程
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	logger.Log().Debug("worker created", zap.Int("worker", workerID))
	for job := range JobQueue {
		job.Result <- process(job)
	}
}

func process(job JobPackage) (res jobResult) {
	// panic 也要回复,否则调用方一直等待
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("job panic", zap.Any("panic", r))
			res = jobResult{Err: fmt.Errorf("detect failed: %v", r)}
		}
	}()
	frame := job.Frame
	if job.Encoded != nil {
		img, err := imgdecode.Decode(job.Encoded)
		if err != nil {
			return jobResult{Err: fmt.Errorf("decode image: %w", err)}
		}
		frame = img
	}
	res.Err = job.entry.Do(func(s *session.Session) error {
		buf, err := s.AcquireImageBuffer(frame.Width, frame.Height, frame.Stride)
		if err != nil {
			return err
		}
		if err := imgdecode.CopyInto(buf, frame.Stride, frame); err != nil {
			return err
		}
		res.Payload = s.Detect().String()
		return nil
	})
	return res
}
