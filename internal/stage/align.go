package stage

import (
	"errors"

	"github.com/ChuLiYu/frameflow/internal/inference"
	"github.com/ChuLiYu/frameflow/pkg/types"
)

// align crops every candidate and splits the item so that each downstream
// item carries exactly one candidate.
func (e *Env) align(ch inference.Channel, batch []*types.WorkItem) error {
	crops, err := ch.Align(frameImages(batch), candidateLists(batch))
	if err == nil {
		err = cardinality("align", len(crops), len(batch))
	}
	for i := 0; err == nil && i < len(batch); i++ {
		err = cardinality("align", len(crops[i]), len(batch[i].Candidates))
	}
	if err != nil {
		return err
	}

	var toAnalyze []*types.WorkItem
	for i, it := range batch {
		for j, c := range it.Candidates {
			crop := crops[i][j]
			c.Aligned = &crop
			single := &types.WorkItem{
				Frame:      it.Frame,
				Policy:     it.Policy,
				Candidates: []types.Candidate{c},
				Boxed:      it.Boxed,
				Origin:     it.Origin,
			}
			if e.needsAnalysis(single) {
				toAnalyze = append(toAnalyze, single)
				continue
			}
			e.afterAttributes(single)
		}
	}
	e.Router.Forward(Analyze, toAnalyze...)
	return nil
}

// needsAnalysis reports whether the item's attributes must be computed. A
// cached result is copied onto the candidate instead.
func (e *Env) needsAnalysis(item *types.WorkItem) bool {
	flags := item.Policy.Attributes
	if flags == 0 {
		return false
	}
	c := &item.Candidates[0]
	if a, ok := e.Attributes.Get(item.Frame.Source, c.TrackID, flags); ok {
		c.Attributes = a
		return false
	}
	return true
}

type candidateRef struct {
	item *types.WorkItem
	c    *types.Candidate
}

func candidateRefs(items []*types.WorkItem) []candidateRef {
	var refs []candidateRef
	for _, it := range items {
		for j := range it.Candidates {
			refs = append(refs, candidateRef{item: it, c: &it.Candidates[j]})
		}
	}
	return refs
}

func cropOf(ref candidateRef) types.Image {
	if ref.c.Aligned != nil {
		return *ref.c.Aligned
	}
	return ref.item.Frame.Image
}

// analyze runs one attribute call per distinct flag set in the batch.
func (e *Env) analyze(ch inference.Channel, batch []*types.WorkItem) error {
	index := make(map[types.AttributeFlags]int)
	var groups [][]*types.WorkItem
	var flags []types.AttributeFlags
	for _, it := range batch {
		f := it.Policy.Attributes
		i, ok := index[f]
		if !ok {
			i = len(groups)
			index[f] = i
			groups = append(groups, nil)
			flags = append(flags, f)
		}
		groups[i] = append(groups[i], it)
	}

	var errs []error
	for g, group := range groups {
		refs := candidateRefs(group)
		crops := make([]types.Image, len(refs))
		for i, r := range refs {
			crops[i] = cropOf(r)
		}

		attrs, err := ch.Analyze(crops, flags[g])
		if err == nil {
			err = cardinality("analyze", len(attrs), len(refs))
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		for i, r := range refs {
			r.c.Attributes = attrs[i]
			e.Attributes.Put(r.item.Frame.Source, r.c.TrackID, flags[g], attrs[i])
		}
		for _, it := range group {
			e.afterAttributes(it)
		}
	}
	return errors.Join(errs...)
}

// afterAttributes holds the item for best-shot selection or finishes it.
func (e *Env) afterAttributes(item *types.WorkItem) {
	if e.BestShot.Holds(item) {
		e.BestShot.Offer(item)
		return
	}
	e.finish(item)
}

// finish sends the item to feature extraction or straight to emission.
func (e *Env) finish(item *types.WorkItem) {
	if item.Policy.Extract {
		e.Router.Forward(Extract, item)
		return
	}
	e.Router.Emit(item)
}

func (e *Env) extract(ch inference.Channel, batch []*types.WorkItem) error {
	refs := candidateRefs(batch)
	crops := make([]types.Image, len(refs))
	for i, r := range refs {
		crops[i] = cropOf(r)
	}

	features, err := ch.Extract(crops)
	if err == nil {
		err = cardinality("extract", len(features), len(refs))
	}
	if err != nil {
		return err
	}

	for i, r := range refs {
		r.c.Feature = features[i].Vector
		r.c.Attributes.Age = features[i].Age
		r.c.Attributes.Gender = features[i].Gender
	}
	for _, it := range batch {
		e.Router.Emit(it)
	}
	return nil
}
