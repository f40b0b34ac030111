package session

import (
	iface "AtagDetServer/interface"
	"AtagDetServer/payload"
	"AtagDetServer/pose"
)

// Record is one detection as serialized into the payload.
type Record struct {
	ID         int
	SizeMeters float64
	Corners    [4]iface.Position
	Center     iface.Position
	Pose       *pose.Result
}

// Value renders the record. Rotations are written column by column.
func (r Record) Value() payload.Object {
	corners := make(payload.Array, 0, len(r.Corners))
	for _, c := range r.Corners {
		corners = append(corners, point(c))
	}
	obj := payload.Object{
		payload.KV("id", payload.Int(r.ID)),
		payload.KV("size", payload.F2(r.SizeMeters)),
		payload.KV("corners", corners),
		payload.KV("center", point(r.Center)),
	}
	if r.Pose == nil {
		return obj
	}
	p := payload.Object{
		payload.KV("R", columns(r.Pose.Rotation)),
		payload.KV("t", vector(r.Pose.Translation)),
		payload.KV("e", payload.F6(r.Pose.Err)),
	}
	if alt := r.Pose.Alternate; alt != nil {
		p = append(p, payload.KV("asol", payload.Object{
			payload.KV("R", columns(alt.Rotation)),
			payload.KV("t", vector(alt.Translation)),
			payload.KV("e", payload.F6(alt.Err)),
			payload.KV("uniquesol", payload.Bool(r.Pose.SolutionIsUnique)),
		}))
	}
	return append(obj, payload.KV("pose", p))
}

func point(p iface.Position) payload.Object {
	return payload.Object{
		payload.KV("x", payload.F2(p.X)),
		payload.KV("y", payload.F2(p.Y)),
	}
}

func columns(m [3][3]float64) payload.Array {
	out := make(payload.Array, 3)
	for c := 0; c < 3; c++ {
		out[c] = payload.Array{payload.F6(m[0][c]), payload.F6(m[1][c]), payload.F6(m[2][c])}
	}
	return out
}

func vector(v [3]float64) payload.Array {
	return payload.Array{payload.F6(v[0]), payload.F6(v[1]), payload.F6(v[2])}
}
