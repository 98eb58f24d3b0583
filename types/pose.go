package types

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// Pose component keys.
const (
	PoseX  = "x"
	PoseY  = "y"
	PoseZ  = "z"
	PoseQX = "qx"
	PoseQY = "qy"
	PoseQZ = "qz"
	PoseQW = "qw"
)

// PoseKeys lists the components a complete pose carries, position first.
var PoseKeys = []string{PoseX, PoseY, PoseZ, PoseQX, PoseQY, PoseQZ, PoseQW}

// Pose is a device position and orientation keyed by component name.
// The map is opaque to the joiner and is copied through unchanged.
type Pose map[string]float64

// Clone returns a deep copy of the pose.
func (p Pose) Clone() Pose {
	if p == nil {
		return nil
	}
	out := make(Pose, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// HasOrientation reports whether all four quaternion components are present.
func (p Pose) HasOrientation() bool {
	for _, k := range []string{PoseQX, PoseQY, PoseQZ, PoseQW} {
		if _, ok := p[k]; !ok {
			return false
		}
	}
	return true
}

// Orientation returns the pose rotation as a quaternion. Missing components read as zero.
func (p Pose) Orientation() quat.Number {
	return quat.Number{Real: p[PoseQW], Imag: p[PoseQX], Jmag: p[PoseQY], Kmag: p[PoseQZ]}
}

// OrientationNorm is the magnitude of the orientation quaternion; 1 for a valid rotation.
func (p Pose) OrientationNorm() float64 {
	return quat.Abs(p.Orientation())
}

// IsUnitOrientation reports whether the orientation is a unit quaternion within tol.
func (p Pose) IsUnitOrientation(tol float64) bool {
	if !p.HasOrientation() {
		return false
	}
	return math.Abs(p.OrientationNorm()-1) <= tol
}

// PoseRecord is one historical pose reported by a device.
type PoseRecord struct {
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch
	Pose      Pose   `json:"updater_pose"`
	AreaID    string `json:"area_id"`
}
