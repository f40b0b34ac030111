//go:build !apriltag

package engine

import (
	iface "AtagDetServer/interface"
	"unsafe"
)

func nativeAvailable() bool { return false }

func nativeCreateFamily(int) unsafe.Pointer { return nil }

func nativeDestroyFamily(int, unsafe.Pointer) {}

func nativeCreateDetector(unsafe.Pointer, int) unsafe.Pointer { return nil }

func nativeDestroyDetector(unsafe.Pointer) {}

func nativeDetect(unsafe.Pointer, iface.ImageU8, iface.DetectorOptions) (unsafe.Pointer, int) {
	return nil, 0
}

func nativeDetectionAt(unsafe.Pointer, int) iface.RawDetection { return iface.RawDetection{} }

func nativeReleaseDetections(unsafe.Pointer) {}

func nativeEstimatePose(iface.RawDetection, iface.PoseInfo, int) (iface.PoseSolution, *iface.PoseSolution) {
	return iface.PoseSolution{}, nil
}
