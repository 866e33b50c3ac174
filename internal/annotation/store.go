// Package annotation holds the in-session frame collection and every
// operator mutation on it: labelling, box edits, re-detection, deletion and
// review marking. All access goes through Store so indices, selection and the
// review set stay consistent.
package annotation

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"sync"

	"github.com/heimdex/heimdex-labeler/internal/dataset"
	"github.com/heimdex/heimdex-labeler/internal/detector"
	"github.com/heimdex/heimdex-labeler/internal/imaging"
)

var (
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrInvalidRange    = errors.New("invalid range")
)

// NoSelection is the selected-detection index when no box is selected.
const NoSelection = -1

// Detector is the subset of detector.Adapter the store uses.
type Detector interface {
	Ready() bool
	Detect(ctx context.Context, img image.Image, confidenceThreshold, paddingPercent float64) ([]dataset.Detection, error)
}

// Options are the detection parameters in force for store operations.
type Options struct {
	Confidence    float64
	Padding       float64
	BlurFilter    bool
	BlurThreshold float64
}

func DefaultOptions() Options {
	return Options{Confidence: 0.5, Padding: 10, BlurFilter: true, BlurThreshold: 100}
}

// Selection is the current cursor.
type Selection struct {
	Frame     int `json:"frame"`
	Detection int `json:"detection"`
}

// LoadResult summarises a LoadClips call.
type LoadResult struct {
	Added     int `json:"added"`
	Discarded int `json:"discarded"`
	Flagged   int `json:"flagged"`
}

type Store struct {
	detector Detector
	logger   *slog.Logger

	mu                sync.RWMutex
	opts              Options
	frames            []*dataset.Frame
	selected          int
	selectedDetection int
	marked            map[int]bool
}

func NewStore(det Detector, opts Options, logger *slog.Logger) *Store {
	return &Store{
		detector:          det,
		logger:            logger,
		opts:              opts,
		selectedDetection: NoSelection,
		marked:            make(map[int]bool),
	}
}

func (s *Store) SetOptions(opts Options) {
	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()
}

func (s *Store) Options() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

func (s *Store) requireReady() error {
	if s.detector == nil || !s.detector.Ready() {
		return detector.ErrModelNotReady
	}
	return nil
}

// LoadClips appends clip frames to the store. With runDetection the detector
// runs on each frame first. Retention depends on the clip kind: automatic
// clips keep only person boxes and drop frames left with none; manual clips
// keep every frame. With blur filtering on, frames whose person boxes are all
// blurred are added to the review set.
func (s *Store) LoadClips(ctx context.Context, cs []dataset.Clip, runDetection bool) (LoadResult, error) {
	var res LoadResult
	if runDetection {
		if err := s.requireReady(); err != nil {
			return res, err
		}
	}
	opts := s.Options()

	type pending struct {
		frame   *dataset.Frame
		flagged bool
	}
	var accepted []pending

	for _, c := range cs {
		for _, f := range c.Frames {
			img, err := imaging.Decode(f.Image)
			if err != nil {
				return res, fmt.Errorf("frame %s: %w", f.Filename, err)
			}

			dets := f.Detections
			if runDetection {
				dets, err = s.detector.Detect(ctx, img, opts.Confidence, opts.Padding)
				if err != nil {
					return res, fmt.Errorf("detect %s: %w", f.Filename, err)
				}
			}

			keep, kept := Retain(c.Kind, dets)
			if !keep {
				res.Discarded++
				continue
			}
			f.Detections = kept

			flagged := opts.BlurFilter && imaging.IsBlurred(img, kept, opts.BlurThreshold)
			accepted = append(accepted, pending{frame: f, flagged: flagged})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range accepted {
		s.frames = append(s.frames, p.frame)
		if p.flagged {
			s.marked[len(s.frames)-1] = true
			res.Flagged++
		}
	}
	res.Added = len(accepted)
	if len(s.frames) > 0 && s.selected >= len(s.frames) {
		s.selected = 0
	}

	s.logger.Info("clips loaded",
		"clips", len(cs),
		"added", res.Added,
		"discarded", res.Discarded,
		"flagged", res.Flagged,
		"total", len(s.frames),
	)
	return res, nil
}

// Retain applies the retention policy for a clip kind. It returns whether the
// frame is kept and the detections to store on it.
func Retain(kind dataset.ClipKind, dets []dataset.Detection) (bool, []dataset.Detection) {
	persons := dataset.FilterPersons(dets)
	switch kind {
	case dataset.ClipManual:
		return true, persons
	default:
		return len(persons) > 0, persons
	}
}

func (s *Store) checkIndex(i int) error {
	if i < 0 || i >= len(s.frames) {
		return fmt.Errorf("%w: frame %d of %d", ErrIndexOutOfRange, i, len(s.frames))
	}
	return nil
}

func (s *Store) checkDetection(i, d int) error {
	if err := s.checkIndex(i); err != nil {
		return err
	}
	if d < 0 || d >= len(s.frames[i].Detections) {
		return fmt.Errorf("%w: detection %d of %d on frame %d", ErrIndexOutOfRange, d, len(s.frames[i].Detections), i)
	}
	return nil
}

func (s *Store) checkRange(from, to int) error {
	if from < 0 || from > to || to >= len(s.frames) {
		return fmt.Errorf("%w: [%d, %d] with %d frames", ErrInvalidRange, from, to, len(s.frames))
	}
	return nil
}

// SetDetections replaces every box on frame i.
func (s *Store) SetDetections(i int, dets []dataset.Detection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIndex(i); err != nil {
		return err
	}
	f := s.frames[i]
	out := make([]dataset.Detection, 0, len(dets))
	for _, d := range dets {
		d.Box = d.Box.Clamp(float64(f.Width), float64(f.Height))
		if d.Box.Area() == 0 {
			continue
		}
		out = append(out, d)
	}
	f.Detections = out
	if i == s.selected {
		s.selectedDetection = NoSelection
	}
	return nil
}

// AddDetection appends a manually drawn box. Manual boxes carry confidence 1.
// If the frame already has an activity label the box takes it.
func (s *Store) AddDetection(i int, box dataset.Rect, label string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIndex(i); err != nil {
		return 0, err
	}
	f := s.frames[i]
	box = box.Clamp(float64(f.Width), float64(f.Height))
	if box.Area() == 0 {
		return 0, fmt.Errorf("%w: box has zero area inside the frame", ErrInvalidRange)
	}
	if f.ActivityLabel != "" {
		label = f.ActivityLabel
	}
	f.Detections = append(f.Detections, dataset.Detection{
		Box:        box,
		Label:      label,
		Confidence: dataset.ManualConfidence,
	})
	d := len(f.Detections) - 1
	if i == s.selected {
		s.selectedDetection = d
	}
	return d, nil
}

func (s *Store) RemoveDetection(i, d int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkDetection(i, d); err != nil {
		return err
	}
	f := s.frames[i]
	f.Detections = append(f.Detections[:d], f.Detections[d+1:]...)
	if i == s.selected {
		s.selectedDetection = NoSelection
	}
	return nil
}

// ResizeDetection replaces the geometry of box d on frame i.
func (s *Store) ResizeDetection(i, d int, box dataset.Rect) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkDetection(i, d); err != nil {
		return err
	}
	f := s.frames[i]
	box = box.Clamp(float64(f.Width), float64(f.Height))
	if box.Area() == 0 {
		return fmt.Errorf("%w: box has zero area inside the frame", ErrInvalidRange)
	}
	f.Detections[d].Box = box
	return nil
}

func (s *Store) RelabelDetection(i, d int, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkDetection(i, d); err != nil {
		return err
	}
	s.frames[i].Detections[d].Label = label
	return nil
}

// ApplyLabel sets the authoritative activity label on frame i, relabels every
// box to match and removes the frame from the review set.
func (s *Store) ApplyLabel(i int, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIndex(i); err != nil {
		return err
	}
	s.applyLabel(i, label)
	return nil
}

func (s *Store) applyLabel(i int, label string) {
	f := s.frames[i]
	f.ActivityLabel = label
	for d := range f.Detections {
		f.Detections[d].Label = label
	}
	delete(s.marked, i)
}

// ProgressFunc receives the number of frames processed so far.
type ProgressFunc func(done, total int)

// target is a frame captured for detection outside the lock. Frames are
// matched back by ID because indices may shift while the detector runs.
type target struct {
	id       string
	hint     int
	image    []byte
	filename string
	boxed    bool
}

func (s *Store) targets(from, to int) []target {
	out := make([]target, 0, to-from+1)
	for i := from; i <= to; i++ {
		f := s.frames[i]
		out = append(out, target{
			id:       f.ID,
			hint:     i,
			image:    f.Image,
			filename: f.Filename,
			boxed:    len(f.Detections) > 0,
		})
	}
	return out
}

// indexOf finds the frame with id, checking hint first. Returns -1 if the
// frame was deleted. Callers hold s.mu.
func (s *Store) indexOf(id string, hint int) int {
	if hint >= 0 && hint < len(s.frames) && s.frames[hint].ID == id {
		return hint
	}
	for i, f := range s.frames {
		if f.ID == id {
			return i
		}
	}
	return -1
}

// Redetect re-runs detection on every frame at threshold. Person boxes on
// frames with an activity label take that label. Activity labels are never
// changed. The detector runs without holding the lock and each result is
// applied as it arrives, so readers see partial progress. Frames deleted
// meanwhile are skipped.
func (s *Store) Redetect(ctx context.Context, threshold float64, progress ProgressFunc) (int, error) {
	if err := s.requireReady(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.opts.Confidence = threshold
	padding := s.opts.Padding
	todo := s.targets(0, len(s.frames)-1)
	s.mu.Unlock()

	updated := 0
	for n, t := range todo {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		dets, err := s.detectTarget(ctx, t, threshold, padding)
		if err != nil {
			return updated, err
		}

		s.mu.Lock()
		if i := s.indexOf(t.id, t.hint); i >= 0 {
			f := s.frames[i]
			if f.ActivityLabel != "" {
				for d := range dets {
					if dataset.IsPersonClass(dets[d].Label) {
						dets[d].Label = f.ActivityLabel
					}
				}
			}
			f.Detections = dets
			if i == s.selected {
				s.selectedDetection = NoSelection
			}
			updated++
		}
		s.mu.Unlock()

		if progress != nil {
			progress(n+1, len(todo))
		}
	}

	s.mu.Lock()
	s.selectedDetection = NoSelection
	s.mu.Unlock()
	return updated, nil
}

func (s *Store) detectTarget(ctx context.Context, t target, threshold, padding float64) ([]dataset.Detection, error) {
	img, err := imaging.Decode(t.image)
	if err != nil {
		return nil, fmt.Errorf("frame %s: %w", t.filename, err)
	}
	dets, err := s.detector.Detect(ctx, img, threshold, padding)
	if err != nil {
		return nil, fmt.Errorf("detect %s: %w", t.filename, err)
	}
	return dets, nil
}

// BatchLabel labels frames from..to inclusive. Frames without boxes are run
// through the detector first, keeping person boxes only. Detection happens
// outside the lock; each frame is labelled as soon as its boxes are ready.
func (s *Store) BatchLabel(ctx context.Context, from, to int, label string) (int, error) {
	s.mu.RLock()
	if err := s.checkRange(from, to); err != nil {
		s.mu.RUnlock()
		return 0, err
	}
	todo := s.targets(from, to)
	confidence, padding := s.opts.Confidence, s.opts.Padding
	s.mu.RUnlock()

	for _, t := range todo {
		if !t.boxed {
			if err := s.requireReady(); err != nil {
				return 0, err
			}
			break
		}
	}

	labelled := 0
	for _, t := range todo {
		var dets []dataset.Detection
		if !t.boxed {
			found, err := s.detectTarget(ctx, t, confidence, padding)
			if err != nil {
				return labelled, err
			}
			dets = dataset.FilterPersons(found)
		}

		s.mu.Lock()
		if i := s.indexOf(t.id, t.hint); i >= 0 {
			if len(s.frames[i].Detections) == 0 {
				s.frames[i].Detections = dets
			}
			s.applyLabel(i, label)
			labelled++
		}
		s.mu.Unlock()
	}
	return labelled, nil
}

// DeleteRange removes frames from..to inclusive.
func (s *Store) DeleteRange(from, to int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRange(from, to); err != nil {
		return 0, err
	}
	remove := make(map[int]bool, to-from+1)
	for i := from; i <= to; i++ {
		remove[i] = true
	}
	s.removeLocked(remove)
	return len(remove), nil
}

// DeleteMarked removes every frame in the review set.
func (s *Store) DeleteMarked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	remove := make(map[int]bool, len(s.marked))
	for i := range s.marked {
		remove[i] = true
	}
	s.removeLocked(remove)
	return len(remove)
}

func (s *Store) removeLocked(remove map[int]bool) {
	if len(remove) == 0 {
		return
	}
	kept := s.frames[:0]
	newIndex := make(map[int]int, len(s.frames))
	for i, f := range s.frames {
		if remove[i] {
			continue
		}
		newIndex[i] = len(kept)
		kept = append(kept, f)
	}
	for i := len(kept); i < len(s.frames); i++ {
		s.frames[i] = nil
	}
	s.frames = kept

	marked := make(map[int]bool, len(s.marked))
	for i := range s.marked {
		if ni, ok := newIndex[i]; ok {
			marked[ni] = true
		}
	}
	s.marked = marked

	if ni, ok := newIndex[s.selected]; ok {
		s.selected = ni
	} else {
		removedBefore := 0
		for i := range remove {
			if i < s.selected {
				removedBefore++
			}
		}
		s.selected -= removedBefore
		s.selectedDetection = NoSelection
	}
	s.clampSelection()
}

func (s *Store) clampSelection() {
	if len(s.frames) == 0 {
		s.selected = 0
		s.selectedDetection = NoSelection
		return
	}
	if s.selected < 0 {
		s.selected = 0
	}
	if s.selected >= len(s.frames) {
		s.selected = len(s.frames) - 1
		s.selectedDetection = NoSelection
	}
	if s.selectedDetection >= len(s.frames[s.selected].Detections) {
		s.selectedDetection = NoSelection
	}
}

func (s *Store) Mark(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIndex(i); err != nil {
		return err
	}
	s.marked[i] = true
	return nil
}

func (s *Store) Unmark(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIndex(i); err != nil {
		return err
	}
	delete(s.marked, i)
	return nil
}

// ToggleMark flips review membership of frame i and returns the new state.
func (s *Store) ToggleMark(i int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIndex(i); err != nil {
		return false, err
	}
	if s.marked[i] {
		delete(s.marked, i)
		return false, nil
	}
	s.marked[i] = true
	return true, nil
}

func (s *Store) MarkRange(from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRange(from, to); err != nil {
		return err
	}
	for i := from; i <= to; i++ {
		s.marked[i] = true
	}
	return nil
}

// Marked returns the review set in ascending order.
func (s *Store) Marked() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.marked))
	for i := range s.marked {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (s *Store) IsMarked(i int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marked[i]
}

func (s *Store) Select(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIndex(i); err != nil {
		return err
	}
	s.selected = i
	s.selectedDetection = NoSelection
	return nil
}

func (s *Store) SelectDetection(d int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkDetection(s.selected, d); err != nil {
		return err
	}
	s.selectedDetection = d
	return nil
}

// Next moves the cursor forward, stopping at the last frame.
func (s *Store) Next() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected < len(s.frames)-1 {
		s.selected++
		s.selectedDetection = NoSelection
	}
	return s.selectionLocked()
}

// Prev moves the cursor back, stopping at the first frame.
func (s *Store) Prev() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected > 0 {
		s.selected--
		s.selectedDetection = NoSelection
	}
	return s.selectionLocked()
}

func (s *Store) Deselect() {
	s.mu.Lock()
	s.selectedDetection = NoSelection
	s.mu.Unlock()
}

func (s *Store) Selection() Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectionLocked()
}

func (s *Store) selectionLocked() Selection {
	return Selection{Frame: s.selected, Detection: s.selectedDetection}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frames)
}

// Frame returns a copy of frame i.
func (s *Store) Frame(i int) (*dataset.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkIndex(i); err != nil {
		return nil, err
	}
	return s.frames[i].Clone(), nil
}

// Frames returns a deep copy of every frame in order.
func (s *Store) Frames() []*dataset.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*dataset.Frame, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Clone()
	}
	return out
}

// Reset drops every frame and clears selection and review state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
	s.marked = make(map[int]bool)
	s.selected = 0
	s.selectedDetection = NoSelection
}
