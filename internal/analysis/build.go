package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"bg/internal/archmap"
	"bg/internal/decoder"
	"bg/internal/disasm"
	"bg/internal/image"
)

// Step is one position of a walk: a resolved instruction, or the decode
// fault found there.
type Step struct {
	Inst  disasm.Inst
	Fault *decoder.Error
}

// Walk decodes every executable section of img in section table order
// and calls fn for each step. Operands are resolved against a register
// state that starts empty in each section and after each fault.
func Walk(img *image.Image, fn func(*Step) error) error {
	if err := img.Validate(); err != nil {
		return err
	}
	var rs RegisterState
	for _, s := range img.Executable() {
		rs.Reset()
		d := decoder.New(img.Code(s), s.Addr, s.Offset)
		for {
			inst, err := d.Next()
			if err == io.EOF {
				break
			}
			var st Step
			if err != nil {
				var de *decoder.Error
				if !errors.As(err, &de) {
					return fmt.Errorf("section %s: %w", s.Name, err)
				}
				rs.Reset()
				st.Fault = de
			} else {
				rs.Resolve(&inst)
				rs.Step(&inst)
				st.Inst = inst
			}
			if err := fn(&st); err != nil {
				return err
			}
		}
	}
	return nil
}

func (mp *Mapper) observeStep(st *Step) {
	if st.Fault != nil {
		mp.ObserveFault(st.Fault)
		return
	}
	mp.Observe(&st.Inst)
}

// Build folds img into an Architecture Map in one sequential pass.
func Build(img *image.Image) (*archmap.Map, error) {
	mp := NewMapper(img)
	err := Walk(img, func(st *Step) error {
		mp.observeStep(st)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mp.Map(), nil
}

// BuildParallel decodes img sequentially, folds the resulting steps in
// up to chunks concurrent partial maps and merges them. The result is
// identical to Build.
func BuildParallel(ctx context.Context, img *image.Image, chunks int) (*archmap.Map, error) {
	var steps []Step
	err := Walk(img, func(st *Step) error {
		steps = append(steps, *st)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if chunks < 1 {
		chunks = 1
	}
	size := (len(steps) + chunks - 1) / chunks
	if size == 0 {
		size = 1
	}

	parts := make([]*archmap.Map, 0, chunks)
	for lo := 0; lo < len(steps); lo += size {
		parts = append(parts, nil)
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := range parts {
		lo := i * size
		hi := min(lo+size, len(steps))
		g.Go(func() error {
			mp := NewMapper(img)
			for j := lo; j < hi; j++ {
				if j%4096 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				mp.observeStep(&steps[j])
			}
			parts[i] = mp.Map()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := NewMapper(img).Map()
	for _, p := range parts {
		out.Merge(p)
	}
	return out, nil
}
