package iface

// Position is a point in image pixel coordinates.
type Position struct {
	X, Y float64
}

// ImageU8 is a single-channel 8-bit image. Row r starts at Buf[r*Stride].
type ImageU8 struct {
	Width  int
	Height int
	Stride int
	Buf    []byte
}

type DetectorOptions struct {
	Decimate        float32 `yaml:"decimate" json:"decimate"`
	Sigma           float32 `yaml:"sigma" json:"sigma"`
	Threads         int     `yaml:"threads" json:"threads"`
	RefineEdges     bool    `yaml:"refineEdges" json:"refineEdges"`
	MaxDetections   int     `yaml:"maxDetections" json:"maxDetections"`
	ReturnPose      bool    `yaml:"returnPose" json:"returnPose"`
	ReturnSolutions bool    `yaml:"returnSolutions" json:"returnSolutions"`
}

// CameraIntrinsics are expressed in pixels.
type CameraIntrinsics struct {
	Fx float64 `yaml:"fx" json:"fx"`
	Fy float64 `yaml:"fy" json:"fy"`
	Cx float64 `yaml:"cx" json:"cx"`
	Cy float64 `yaml:"cy" json:"cy"`
}

// RawDetection is one decoded tag as reported by the engine. H is the
// row-major tag-to-image homography the pose solver starts from.
type RawDetection struct {
	ID             int
	Hamming        int
	DecisionMargin float32
	Corners        [4]Position
	Center         Position
	H              [9]float64
}

type PoseInfo struct {
	Intrinsics CameraIntrinsics
	TagSize    float64
}

// PoseSolution is one local minimum of the pose refinement. R is indexed
// R[row][col].
type PoseSolution struct {
	R   [3][3]float64
	T   [3]float64
	Err float64
}

// DetectionList is owned by the engine until Release is called.
type DetectionList interface {
	Len() int
	At(i int) RawDetection
	Release()
}

// Backend is the external tag detector and pose solver.
type Backend interface {
	Detect(img ImageU8, opts DetectorOptions) (DetectionList, error)
	// EstimatePose returns the best solution and, when the solver found a
	// second local minimum, that one too.
	EstimatePose(det RawDetection, info PoseInfo, maxIters int) (PoseSolution, *PoseSolution)
	Destroy()
}

type BackendFactory func() (Backend, error)

// Detections is a DetectionList backed by Go memory.
type Detections []RawDetection

func (d Detections) Len() int              { return len(d) }
func (d Detections) At(i int) RawDetection { return d[i] }
func (d Detections) Release()              {}
