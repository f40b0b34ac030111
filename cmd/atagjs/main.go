// Command atagjs builds the detector as a C shared library:
//
//	go build -tags apriltag -buildmode=c-shared -o libatagjs.so ./cmd/atagjs
//
// Every function takes the handle returned by atagjs_new. Status returns are
// 0 on success and -1 on failure.
package main

/*
#include <stdlib.h>
#include <stdint.h>

typedef struct {
	size_t len;
	char *str;
	size_t alloc_size;
} t_str_json;
*/
import "C"

import (
	iface "AtagDetServer/interface"
	"AtagDetServer/logger"
	"os"
	"sync"
	"unsafe"
)

var handles = newTable(cAlloc, cFree)

var (
	resultsMu sync.Mutex
	results   = map[int32]*C.t_str_json{}
)

func init() {
	mode := os.Getenv("ATAGJS_LOG")
	if mode == "" {
		mode = "nop"
	}
	if err := logger.Init(mode); err != nil {
		_ = logger.Init("nop")
	}
}

// cAlloc returns nil when calloc fails.
func cAlloc(n int) []byte {
	if n <= 0 {
		return nil
	}
	p := C.calloc(C.size_t(n), 1)
	if p == nil {
		return nil
	}
	return unsafe.Slice((*byte)(p), n)
}

func cFree(b []byte) {
	if len(b) == 0 {
		return
	}
	C.free(unsafe.Pointer(&b[0]))
}

func status(err error) C.int {
	if err != nil {
		return -1
	}
	return 0
}

//export atagjs_new
func atagjs_new(family *C.char, maxHamming C.int) C.int {
	name := ""
	if family != nil {
		name = C.GoString(family)
	}
	return C.int(handles.create(name, int(maxHamming)))
}

//export atagjs_init
func atagjs_init(h C.int) C.int {
	return status(handles.init(int32(h)))
}

//export atagjs_destroy
func atagjs_destroy(h C.int) C.int {
	freeResult(int32(h))
	return status(handles.destroy(int32(h)))
}

//export atagjs_set_detector_options
func atagjs_set_detector_options(h C.int, decimate, sigma C.float, nthreads, refineEdges, maxDetections, returnPose, returnSolutions C.int) C.int {
	return status(handles.configure(int32(h), iface.DetectorOptions{
		Decimate:        float32(decimate),
		Sigma:           float32(sigma),
		Threads:         int(nthreads),
		RefineEdges:     refineEdges != 0,
		MaxDetections:   int(maxDetections),
		ReturnPose:      returnPose != 0,
		ReturnSolutions: returnSolutions != 0,
	}))
}

//export atagjs_set_pose_info
func atagjs_set_pose_info(h C.int, fx, fy, cx, cy C.double) C.int {
	return status(handles.setPoseInfo(int32(h), float64(fx), float64(fy), float64(cx), float64(cy)))
}

//export atagjs_set_tag_size
func atagjs_set_tag_size(h C.int, tagID C.int, size C.double) C.int {
	return status(handles.setTagSize(int32(h), int(tagID), float64(size)))
}

// atagjs_set_img_buffer returns a buffer of height*max(width,stride) bytes
// the caller fills before atagjs_detect, or NULL.
//
//export atagjs_set_img_buffer
func atagjs_set_img_buffer(h C.int, width, height, stride C.int) *C.uint8_t {
	buf, err := handles.imageBuffer(int32(h), int(width), int(height), int(stride))
	if err != nil || len(buf) == 0 {
		return nil
	}
	return (*C.uint8_t)(unsafe.Pointer(&buf[0]))
}

// atagjs_detect returns the payload of this call. It is owned by the
// handle and valid until the next atagjs_detect, atagjs_free or
// atagjs_destroy on it. NULL for an unknown handle or when the copy cannot
// be allocated.
//
//export atagjs_detect
func atagjs_detect(h C.int) *C.t_str_json {
	id := int32(h)
	buf, err := handles.detect(id)
	if err != nil {
		return nil
	}
	freeResult(id)

	b := buf.Bytes()
	size := max(buf.Cap()+1, len(b))
	out := (*C.t_str_json)(C.calloc(1, C.size_t(unsafe.Sizeof(C.t_str_json{}))))
	if out == nil {
		return nil
	}
	str := C.calloc(C.size_t(size), 1)
	if str == nil {
		C.free(unsafe.Pointer(out))
		return nil
	}
	if len(b) > 0 {
		copy(unsafe.Slice((*byte)(str), size), b)
	}
	out.len = C.size_t(buf.Len())
	out.str = (*C.char)(str)
	out.alloc_size = C.size_t(size)

	resultsMu.Lock()
	results[id] = out
	resultsMu.Unlock()
	return out
}

// atagjs_free releases the last payload of the handle early.
//
//export atagjs_free
func atagjs_free(h C.int) {
	freeResult(int32(h))
}

func freeResult(id int32) {
	resultsMu.Lock()
	r, ok := results[id]
	delete(results, id)
	resultsMu.Unlock()
	if !ok {
		return
	}
	C.free(unsafe.Pointer(r.str))
	C.free(unsafe.Pointer(r))
}

func main() {}
