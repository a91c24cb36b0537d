package livefs

import (
	"fmt"
	"strconv"
	"strings"
)

// PathKind distinguishes the three forms of a path expression.
type PathKind int

const (
	// Absolute paths name files outside the workspace and resolve to
	// themselves.
	Absolute PathKind = iota
	// LayerRelative paths address a file inside a source layer, written
	// $LAYERS[n]/relative/path.
	LayerRelative
	// WorkspaceRelative paths join onto the workspace root.
	WorkspaceRelative
)

const layerMarker = "$LAYERS["

// PathExpr is a parsed path expression. Expressions are parsed once at
// argument-binding time, before any mount exists, so a malformed path fails
// the run early.
type PathExpr struct {
	Kind  PathKind
	Layer int    // valid for LayerRelative
	Path  string // relative for Layer/WorkspaceRelative, full for Absolute
}

func (e PathExpr) String() string {
	switch e.Kind {
	case LayerRelative:
		return fmt.Sprintf("%s%d]/%s", layerMarker, e.Layer, e.Path)
	default:
		return e.Path
	}
}

// ParsePath parses a raw path expression string.
func ParsePath(s string) (PathExpr, error) {
	if s == "" {
		return PathExpr{}, fmt.Errorf("empty path expression")
	}
	if strings.HasPrefix(s, "/") {
		return PathExpr{Kind: Absolute, Path: s}, nil
	}
	if strings.HasPrefix(s, layerMarker) {
		rest := s[len(layerMarker):]
		rbracket := strings.Index(rest, "]")
		if rbracket < 0 || rbracket+1 >= len(rest) || rest[rbracket+1] != '/' {
			return PathExpr{}, fmt.Errorf("could not interpret path %q", s)
		}
		index, err := strconv.Atoi(rest[:rbracket])
		if err != nil || index < 0 {
			return PathExpr{}, fmt.Errorf("bad layer index in path %q", s)
		}
		return PathExpr{Kind: LayerRelative, Layer: index, Path: rest[rbracket+2:]}, nil
	}
	return PathExpr{Kind: WorkspaceRelative, Path: s}, nil
}
