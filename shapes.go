package moveit_sim

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

type PrimitiveType uint8

const (
	PrimitiveBox      PrimitiveType = 1
	PrimitiveSphere   PrimitiveType = 2
	PrimitiveCylinder PrimitiveType = 3
	PrimitiveCone     PrimitiveType = 4
)

func (t PrimitiveType) String() string {
	switch t {
	case PrimitiveBox:
		return "box"
	case PrimitiveSphere:
		return "sphere"
	case PrimitiveCylinder:
		return "cylinder"
	case PrimitiveCone:
		return "cone"
	default:
		return "unknown"
	}
}

// Primitive is a solid primitive positioned relative to its object origin.
// Dimensions follow the planning service convention: box {x, y, z}, sphere
// {radius}, cylinder and cone {height, radius}.
type Primitive struct {
	Type       PrimitiveType
	Dimensions []float64
	Pose       spatialmath.Pose
}

// Mesh is a triangle mesh positioned relative to its object origin.
type Mesh struct {
	Vertices  []r3.Vector
	Triangles [][3]uint32
	Pose      spatialmath.Pose
}

// Shape describes the collision geometry of a scene object.
type Shape struct {
	Primitives []Primitive
	Meshes     []Mesh
}

// BoxShape is a single box centred on the object origin.
func BoxShape(x, y, z float64) Shape {
	return Shape{Primitives: []Primitive{{Type: PrimitiveBox, Dimensions: []float64{x, y, z}}}}
}

// SphereShape is a single sphere centred on the object origin.
func SphereShape(radius float64) Shape {
	return Shape{Primitives: []Primitive{{Type: PrimitiveSphere, Dimensions: []float64{radius}}}}
}

// CylinderShape is a single cylinder centred on the object origin.
func CylinderShape(height, radius float64) Shape {
	return Shape{Primitives: []Primitive{{Type: PrimitiveCylinder, Dimensions: []float64{height, radius}}}}
}

// SameAs compares shapes structurally: primitive count, types and dimensions,
// plus mesh vertex and triangle counts.
func (s Shape) SameAs(other Shape) bool {
	if len(s.Primitives) != len(other.Primitives) || len(s.Meshes) != len(other.Meshes) {
		return false
	}
	for i, p := range s.Primitives {
		o := other.Primitives[i]
		if p.Type != o.Type || len(p.Dimensions) != len(o.Dimensions) {
			return false
		}
		for j := range p.Dimensions {
			if p.Dimensions[j] != o.Dimensions[j] {
				return false
			}
		}
	}
	for i, m := range s.Meshes {
		o := other.Meshes[i]
		if len(m.Vertices) != len(o.Vertices) || len(m.Triangles) != len(o.Triangles) {
			return false
		}
	}
	return true
}

// Empty reports whether the shape has no geometry.
func (s Shape) Empty() bool {
	return len(s.Primitives) == 0 && len(s.Meshes) == 0
}

// Geometries converts the shape to rdk geometries. Cylinders and cones are
// approximated by bounding capsules and meshes by their axis-aligned bounding
// box.
func (s Shape) Geometries(label string) ([]spatialmath.Geometry, error) {
	geoms := make([]spatialmath.Geometry, 0, len(s.Primitives)+len(s.Meshes))
	for i, p := range s.Primitives {
		pose := p.Pose
		if pose == nil {
			pose = spatialmath.NewZeroPose()
		}
		g, err := primitiveGeometry(p, pose, label)
		if err != nil {
			return nil, errors.Wrapf(err, "primitive %d of %s", i, label)
		}
		geoms = append(geoms, g)
	}
	for i, m := range s.Meshes {
		if len(m.Vertices) == 0 {
			continue
		}
		pose := m.Pose
		if pose == nil {
			pose = spatialmath.NewZeroPose()
		}
		lo, hi := bounds(m.Vertices)
		center := lo.Add(hi).Mul(0.5)
		dims := hi.Sub(lo)
		g, err := spatialmath.NewBox(spatialmath.Compose(pose, spatialmath.NewPoseFromPoint(center)), dims, label)
		if err != nil {
			return nil, errors.Wrapf(err, "mesh %d of %s", i, label)
		}
		geoms = append(geoms, g)
	}
	return geoms, nil
}

func primitiveGeometry(p Primitive, pose spatialmath.Pose, label string) (spatialmath.Geometry, error) {
	dim := func(i int) (float64, error) {
		if i >= len(p.Dimensions) {
			return 0, errors.Errorf("%s needs at least %d dimensions, got %d", p.Type, i+1, len(p.Dimensions))
		}
		return p.Dimensions[i], nil
	}
	switch p.Type {
	case PrimitiveBox:
		x, err := dim(0)
		if err != nil {
			return nil, err
		}
		y, _ := dim(1)
		z, err := dim(2)
		if err != nil {
			return nil, err
		}
		return spatialmath.NewBox(pose, r3.Vector{X: x, Y: y, Z: z}, label)
	case PrimitiveSphere:
		r, err := dim(0)
		if err != nil {
			return nil, err
		}
		return spatialmath.NewSphere(pose, r, label)
	case PrimitiveCylinder, PrimitiveCone:
		h, err := dim(0)
		if err != nil {
			return nil, err
		}
		r, err := dim(1)
		if err != nil {
			return nil, err
		}
		return spatialmath.NewCapsule(pose, r, h+2*r, label)
	default:
		return nil, errors.Errorf("unsupported primitive type %d", p.Type)
	}
}

func bounds(vs []r3.Vector) (r3.Vector, r3.Vector) {
	lo := r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	hi := r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, v := range vs {
		lo = r3.Vector{X: math.Min(lo.X, v.X), Y: math.Min(lo.Y, v.Y), Z: math.Min(lo.Z, v.Z)}
		hi = r3.Vector{X: math.Max(hi.X, v.X), Y: math.Max(hi.Y, v.Y), Z: math.Max(hi.Z, v.Z)}
	}
	return lo, hi
}

// ShapeFromMsg reads the geometry carried by a collision object message.
func ShapeFromMsg(msg CollisionObjectMsg) Shape {
	var s Shape
	for i, p := range msg.Primitives {
		prim := Primitive{
			Type:       PrimitiveType(p.Type),
			Dimensions: append([]float64(nil), p.Dimensions...),
		}
		if i < len(msg.PrimitivePoses) {
			prim.Pose = msg.PrimitivePoses[i].Pose()
		}
		s.Primitives = append(s.Primitives, prim)
	}
	for i, m := range msg.Meshes {
		mesh := Mesh{}
		for _, v := range m.Vertices {
			mesh.Vertices = append(mesh.Vertices, v.Vector())
		}
		for _, t := range m.Triangles {
			mesh.Triangles = append(mesh.Triangles, t.VertexIndices)
		}
		if i < len(msg.MeshPoses) {
			mesh.Pose = msg.MeshPoses[i].Pose()
		}
		s.Meshes = append(s.Meshes, mesh)
	}
	return s
}

// fillMsg writes the shape geometry into msg.
func (s Shape) fillMsg(msg *CollisionObjectMsg) {
	for _, p := range s.Primitives {
		msg.Primitives = append(msg.Primitives, SolidPrimitiveMsg{
			Type:       uint8(p.Type),
			Dimensions: append([]float64(nil), p.Dimensions...),
		})
		msg.PrimitivePoses = append(msg.PrimitivePoses, PoseMsgFromPose(p.Pose))
	}
	for _, m := range s.Meshes {
		mm := MeshMsg{}
		for _, v := range m.Vertices {
			mm.Vertices = append(mm.Vertices, PointFromVector(v))
		}
		for _, t := range m.Triangles {
			mm.Triangles = append(mm.Triangles, MeshTriangleMsg{VertexIndices: t})
		}
		msg.Meshes = append(msg.Meshes, mm)
		msg.MeshPoses = append(msg.MeshPoses, PoseMsgFromPose(m.Pose))
	}
}
