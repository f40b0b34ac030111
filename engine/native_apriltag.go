//go:build apriltag

package engine

/*
#cgo pkg-config: apriltag
#cgo LDFLAGS: -lm
#include <stdlib.h>
#include <string.h>
#include <apriltag/apriltag.h>
#include <apriltag/apriltag_pose.h>
#include <apriltag/tag36h11.h>
#include <apriltag/tag25h9.h>
#include <apriltag/tag16h5.h>
#include <apriltag/tagCircle21h7.h>
#include <apriltag/tagStandard41h12.h>

// 顺序与 Families 一致
static apriltag_family_t *atag_family_create(int which) {
	switch (which) {
	case 0: return tag36h11_create();
	case 1: return tag25h9_create();
	case 2: return tag16h5_create();
	case 3: return tagCircle21h7_create();
	case 4: return tagStandard41h12_create();
	}
	return NULL;
}

static void atag_family_destroy(int which, apriltag_family_t *tf) {
	switch (which) {
	case 0: tag36h11_destroy(tf); break;
	case 1: tag25h9_destroy(tf); break;
	case 2: tag16h5_destroy(tf); break;
	case 3: tagCircle21h7_destroy(tf); break;
	case 4: tagStandard41h12_destroy(tf); break;
	}
}

static apriltag_detector_t *atag_detector_create(apriltag_family_t *tf, int bits) {
	apriltag_detector_t *td = apriltag_detector_create();
	if (td == NULL) {
		return NULL;
	}
	apriltag_detector_add_family_bits(td, tf, bits);
	td->debug = 0;
	return td;
}

static zarray_t *atag_detect(apriltag_detector_t *td, int width, int height, int stride, uint8_t *buf,
		float decimate, float sigma, int nthreads, int refine_edges) {
	td->quad_decimate = decimate;
	td->quad_sigma = sigma;
	td->nthreads = nthreads;
	td->refine_edges = refine_edges;
	image_u8_t im = { .width = width, .height = height, .stride = stride, .buf = buf };
	return apriltag_detector_detect(td, &im);
}

static int atag_count(zarray_t *za) {
	return zarray_size(za);
}

typedef struct {
	int id;
	int hamming;
	float margin;
	double c[2];
	double p[4][2];
	double H[9];
} atag_det_t;

static void atag_get(zarray_t *za, int i, atag_det_t *out) {
	apriltag_detection_t *det;
	zarray_get(za, i, &det);
	out->id = det->id;
	out->hamming = det->hamming;
	out->margin = det->decision_margin;
	memcpy(out->c, det->c, sizeof(out->c));
	memcpy(out->p, det->p, sizeof(out->p));
	memcpy(out->H, det->H->data, sizeof(out->H));
}

// 用检测结果重建 apriltag_detection_t, 返回是否存在第二个解
static int atag_pose(const atag_det_t *in, double tagsize, double fx, double fy, double cx, double cy, int iters,
		double *r1, double *t1, double *err1, double *r2, double *t2, double *err2) {
	apriltag_detection_t det;
	memset(&det, 0, sizeof(det));
	det.id = in->id;
	det.hamming = in->hamming;
	det.decision_margin = in->margin;
	memcpy(det.c, in->c, sizeof(det.c));
	memcpy(det.p, in->p, sizeof(det.p));
	det.H = matd_create_data(3, 3, in->H);

	apriltag_detection_info_t info = {
		.det = &det, .tagsize = tagsize, .fx = fx, .fy = fy, .cx = cx, .cy = cy,
	};
	apriltag_pose_t p1 = { 0 };
	apriltag_pose_t p2 = { 0 };
	estimate_tag_pose_orthogonal_iteration(&info, err1, &p1, err2, &p2, iters);
	matd_destroy(det.H);

	memcpy(r1, p1.R->data, 9 * sizeof(double));
	memcpy(t1, p1.t->data, 3 * sizeof(double));
	matd_destroy(p1.R);
	matd_destroy(p1.t);

	int has2 = p2.R != NULL && p2.t != NULL;
	if (has2) {
		memcpy(r2, p2.R->data, 9 * sizeof(double));
		memcpy(t2, p2.t->data, 3 * sizeof(double));
	}
	if (p2.R != NULL) {
		matd_destroy(p2.R);
	}
	if (p2.t != NULL) {
		matd_destroy(p2.t);
	}
	return has2;
}
*/
import "C"
import (
	iface "AtagDetServer/interface"
	"unsafe"
)

func nativeAvailable() bool { return true }

func nativeCreateFamily(which int) unsafe.Pointer {
	return unsafe.Pointer(C.atag_family_create(C.int(which)))
}

func nativeDestroyFamily(which int, tf unsafe.Pointer) {
	if tf == nil {
		return
	}
	C.atag_family_destroy(C.int(which), (*C.apriltag_family_t)(tf))
}

func nativeCreateDetector(tf unsafe.Pointer, hamming int) unsafe.Pointer {
	return unsafe.Pointer(C.atag_detector_create((*C.apriltag_family_t)(tf), C.int(hamming)))
}

func nativeDestroyDetector(td unsafe.Pointer) {
	if td == nil {
		return
	}
	C.apriltag_detector_destroy((*C.apriltag_detector_t)(td))
}

func nativeDetect(td unsafe.Pointer, img iface.ImageU8, opts iface.DetectorOptions) (unsafe.Pointer, int) {
	if td == nil || len(img.Buf) == 0 {
		return nil, 0
	}
	threads := opts.Threads
	if threads < 1 {
		threads = 1
	}
	refine := 0
	if opts.RefineEdges {
		refine = 1
	}
	za := C.atag_detect(
		(*C.apriltag_detector_t)(td),
		C.int(img.Width),
		C.int(img.Height),
		C.int(img.Stride),
		(*C.uint8_t)(unsafe.Pointer(&img.Buf[0])),
		C.float(opts.Decimate),
		C.float(opts.Sigma),
		C.int(threads),
		C.int(refine),
	)
	if za == nil {
		return nil, 0
	}
	return unsafe.Pointer(za), int(C.atag_count(za))
}

func nativeDetectionAt(za unsafe.Pointer, i int) iface.RawDetection {
	var out C.atag_det_t
	C.atag_get((*C.zarray_t)(za), C.int(i), &out)

	det := iface.RawDetection{
		ID:             int(out.id),
		Hamming:        int(out.hamming),
		DecisionMargin: float32(out.margin),
		Center:         iface.Position{X: float64(out.c[0]), Y: float64(out.c[1])},
	}
	for k := 0; k < 4; k++ {
		det.Corners[k] = iface.Position{X: float64(out.p[k][0]), Y: float64(out.p[k][1])}
	}
	for k := 0; k < 9; k++ {
		det.H[k] = float64(out.H[k])
	}
	return det
}

func nativeReleaseDetections(za unsafe.Pointer) {
	if za == nil {
		return
	}
	C.apriltag_detections_destroy((*C.zarray_t)(za))
}

func nativeEstimatePose(det iface.RawDetection, info iface.PoseInfo, iters int) (iface.PoseSolution, *iface.PoseSolution) {
	var in C.atag_det_t
	in.id = C.int(det.ID)
	in.hamming = C.int(det.Hamming)
	in.margin = C.float(det.DecisionMargin)
	in.c[0] = C.double(det.Center.X)
	in.c[1] = C.double(det.Center.Y)
	for k := 0; k < 4; k++ {
		in.p[k][0] = C.double(det.Corners[k].X)
		in.p[k][1] = C.double(det.Corners[k].Y)
	}
	for k := 0; k < 9; k++ {
		in.H[k] = C.double(det.H[k])
	}

	var r1, r2 [9]C.double
	var t1, t2 [3]C.double
	var e1, e2 C.double
	has2 := C.atag_pose(&in,
		C.double(info.TagSize),
		C.double(info.Intrinsics.Fx), C.double(info.Intrinsics.Fy), C.double(info.Intrinsics.Cx), C.double(info.Intrinsics.Cy),
		C.int(iters),
		&r1[0], &t1[0], &e1, &r2[0], &t2[0], &e2,
	)

	first := toSolution(r1, t1, e1)
	if has2 == 0 {
		return first, nil
	}
	second := toSolution(r2, t2, e2)
	return first, &second
}

// matd 为行优先存储
func toSolution(r [9]C.double, t [3]C.double, e C.double) iface.PoseSolution {
	var s iface.PoseSolution
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			s.R[row][col] = float64(r[row*3+col])
		}
		s.T[row] = float64(t[row])
	}
	s.Err = float64(e)
	return s
}
