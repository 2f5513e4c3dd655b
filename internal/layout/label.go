package layout

// labelSides is the placement preference for value labels. The first side
// whose rectangle clears every other element wins; when none does, the label
// stays on the preferred side and overlap is accepted.
var labelSides = []string{"right", "left", "above", "below"}

// placeLabels positions one value label per element after all element
// positions are final.
func placeLabels(elems []PositionedElement, opts Options) []Label {
	labels := make([]Label, 0, len(elems))
	for i, e := range elems {
		label := Label{ElementID: e.ID, Width: opts.LabelWidth, Height: opts.LabelHeight}
		placed := false
		for _, side := range labelSides {
			label.X, label.Y = labelOrigin(e, side, opts)
			label.Side = side
			if !labelOverlapsAny(label, elems, i) {
				placed = true
				break
			}
		}
		if !placed {
			// Every side collides; keep the preferred side and accept it.
			label.Side = labelSides[0]
			label.X, label.Y = labelOrigin(e, label.Side, opts)
		}
		labels = append(labels, label)
	}
	return labels
}

func labelOrigin(e PositionedElement, side string, opts Options) (x, y float64) {
	switch side {
	case "left":
		return e.FinalX - e.Radius - opts.LabelGap - opts.LabelWidth, e.FinalY - opts.LabelHeight/2
	case "above":
		return e.FinalX - opts.LabelWidth/2, e.FinalY - e.Radius - opts.LabelGap - opts.LabelHeight
	case "below":
		return e.FinalX - opts.LabelWidth/2, e.FinalY + e.Radius + opts.LabelGap
	default:
		return e.FinalX + e.Radius + opts.LabelGap, e.FinalY - opts.LabelHeight/2
	}
}

// labelOverlapsAny reports whether the label rectangle intersects the
// bounding box of any element other than its own.
func labelOverlapsAny(label Label, elems []PositionedElement, own int) bool {
	for i, e := range elems {
		if i == own {
			continue
		}
		if label.X < e.FinalX+e.Radius &&
			label.X+label.Width > e.FinalX-e.Radius &&
			label.Y < e.FinalY+e.Radius &&
			label.Y+label.Height > e.FinalY-e.Radius {
			return true
		}
	}
	return false
}
