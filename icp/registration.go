package icp

import (
	"context"
	"errors"
	"log"
	"math"
)

// Option configures Register and Evaluate.
type Option func(*options)

type options struct {
	device       Device
	solver       Solver
	accumulation AccumulationMode
	initial      *Transform
	logf         func(format string, args ...any)
}

func defaultOptions() options {
	return options{
		solver:       DenseSolver{},
		accumulation: AccumulateReset,
		logf:         func(string, ...any) {},
	}
}

// WithDevice runs the per-point stages on dev. Without it a CPUDevice is
// created for the call and closed afterwards.
func WithDevice(dev Device) Option {
	return func(o *options) {
		o.device = dev
	}
}

// WithSolver overrides the dense normal-equation solver.
func WithSolver(s Solver) Option {
	return func(o *options) {
		o.solver = s
	}
}

// WithAccumulation selects how normal equations carry over between updates.
func WithAccumulation(mode AccumulationMode) Option {
	return func(o *options) {
		o.accumulation = mode
	}
}

// WithInitialTransform applies t to the cloud before the first pass and
// starts the cumulative transform from it.
func WithInitialTransform(t Transform) Option {
	return func(o *options) {
		o.initial = &t
	}
}

// WithLogger reports per-iteration statistics through logf.
func WithLogger(logf func(format string, args ...any)) Option {
	return func(o *options) {
		if logf != nil {
			o.logf = logf
		}
	}
}

// WithStdLogger reports per-iteration statistics through the log package.
func WithStdLogger() Option {
	return WithLogger(log.Printf)
}

// Register refines the pose of cloud against scene with point-to-plane ICP.
//
// The loop runs at most criteria.MaxIteration+1 passes. Every pass measures
// fitness and inlier RMSE; all but the last then solve for an increment,
// apply it to cloud in place and fold it into the cumulative transform. The
// run stops early, before that pass's update, once both statistics change by
// less than their thresholds. On success the returned Transformation maps the
// original cloud onto its final position. On failure no Result is returned
// and cloud may have been partially updated.
func Register(ctx context.Context, cloud Cloud, scene Scene, criteria Criteria, opts ...Option) (Result, error) {
	if err := criteria.Validate(); err != nil {
		return Result{}, newError(KindInvalidInput, -1, err)
	}
	o, err := prepare(cloud, scene, opts)
	if err != nil {
		return Result{}, err
	}
	dev := o.device
	if dev == nil {
		cpu := NewCPUDevice(0, 0)
		defer cpu.Close()
		dev = cpu
	}

	r := &registration{
		dev:      dev,
		scene:    scene,
		solver:   o.solver,
		mode:     o.accumulation,
		criteria: criteria,
		logf:     o.logf,
		buf:      NewBuffers(len(cloud)),
	}
	return r.run(ctx, cloud, o.initial)
}

// Evaluate measures fitness and inlier RMSE of cloud against scene without
// changing the cloud. WithInitialTransform evaluates a transformed copy.
func Evaluate(ctx context.Context, cloud Cloud, scene Scene, opts ...Option) (Result, error) {
	o, err := prepare(cloud, scene, opts)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, newError(KindCancelled, 0, err)
	}
	dev := o.device
	if dev == nil {
		cpu := NewCPUDevice(0, 0)
		defer cpu.Close()
		dev = cpu
	}

	transform := Identity()
	if o.initial != nil {
		transform = *o.initial
		cloud = TransformCloud(cloud, transform)
	}
	buf := NewBuffers(len(cloud))
	if err := BuildResiduals(dev, cloud, scene, buf); err != nil {
		return Result{}, deviceError(0, err)
	}
	stats, err := ReduceStatistics(dev, buf)
	if err != nil {
		return Result{}, deviceError(0, err)
	}
	rmse, err := stats.RMSE()
	if err != nil {
		return Result{}, newError(KindDegenerate, 0, err)
	}
	return Result{
		Fitness:        stats.Fitness(),
		InlierRMSE:     rmse,
		Transformation: transform,
		ValidCount:     stats.ValidCount,
		Iterations:     1,
		State:          StateExhausted,
		History: []IterationStats{{
			Iteration:  0,
			Fitness:    stats.Fitness(),
			InlierRMSE: rmse,
			ValidCount: stats.ValidCount,
		}},
	}, nil
}

func prepare(cloud Cloud, scene Scene, opts []Option) (options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if len(cloud) == 0 {
		return o, newError(KindInvalidInput, -1, ErrEmptyCloud)
	}
	if scene == nil {
		return o, newError(KindInvalidInput, -1, ErrNilScene)
	}
	if o.solver == nil {
		o.solver = DenseSolver{}
	}
	if o.initial != nil && !IsRigid(*o.initial, RigidTolerance) {
		return o, newError(KindInvalidInput, -1, errors.New("initial transform is not rigid"))
	}
	return o, nil
}

// registration is the host-side controller for one run.
type registration struct {
	dev      Device
	scene    Scene
	solver   Solver
	mode     AccumulationMode
	criteria Criteria
	logf     func(format string, args ...any)

	buf *Buffers
	ne  NormalEquations
}

func (r *registration) run(ctx context.Context, cloud Cloud, initial *Transform) (Result, error) {
	cumulative := Identity()
	if initial != nil {
		if err := ApplyTransform(r.dev, cloud, *initial); err != nil {
			return Result{}, deviceError(-1, err)
		}
		cumulative = *initial
	}

	// Sentinels guarantee the first pass never reads as converged.
	result := Result{
		Fitness:        math.Inf(-1),
		InlierRMSE:     math.Inf(1),
		Transformation: cumulative,
		State:          StateRunning,
	}
	var history []IterationStats

	for iter := 0; iter <= r.criteria.MaxIteration; iter++ {
		if err := ctx.Err(); err != nil {
			return Result{}, newError(KindCancelled, iter, err)
		}

		if err := BuildResiduals(r.dev, cloud, r.scene, r.buf); err != nil {
			return Result{}, deviceError(iter, err)
		}
		stats, err := ReduceStatistics(r.dev, r.buf)
		if err != nil {
			return Result{}, deviceError(iter, err)
		}
		rmse, err := stats.RMSE()
		if err != nil {
			return Result{}, newError(KindDegenerate, iter, err)
		}

		backup := result
		history = append(history, IterationStats{
			Iteration:  iter,
			Fitness:    stats.Fitness(),
			InlierRMSE: rmse,
			ValidCount: stats.ValidCount,
		})
		result = Result{
			Fitness:        stats.Fitness(),
			InlierRMSE:     rmse,
			Transformation: cumulative,
			ValidCount:     stats.ValidCount,
			Iterations:     iter + 1,
			State:          StateRunning,
			History:        history,
		}
		r.logf("[ICP] iter=%d fitness=%.6f rmse=%.6g valid=%d/%d",
			iter, result.Fitness, rmse, stats.ValidCount, stats.Total)

		if iter == r.criteria.MaxIteration {
			result.State = StateExhausted
			return result, nil
		}
		if math.Abs(result.Fitness-backup.Fitness) < r.criteria.RelativeFitness &&
			math.Abs(result.InlierRMSE-backup.InlierRMSE) < r.criteria.RelativeRMSE {
			result.State = StateConverged
			return result, nil
		}

		if r.mode == AccumulateReset {
			r.ne.Reset()
		}
		if err := r.ne.Accumulate(r.dev, r.buf); err != nil {
			return Result{}, deviceError(iter, err)
		}
		increment, err := r.solver.Solve(&r.ne)
		if err != nil {
			return Result{}, solverError(iter, err)
		}
		if !IsRigid(increment, RigidTolerance) {
			return Result{}, newError(KindSolver, iter, errors.Join(ErrSolverFailed, errors.New("increment is not rigid")))
		}
		if err := ApplyTransform(r.dev, cloud, increment); err != nil {
			return Result{}, deviceError(iter, err)
		}
		cumulative = Multiply(increment, cumulative)
	}

	// MaxIteration >= 0 always reaches the final pass above.
	return result, nil
}

func deviceError(iter int, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if !errors.Is(err, ErrDevice) {
		err = errors.Join(ErrDevice, err)
	}
	return newError(KindDevice, iter, err)
}

func solverError(iter int, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if !errors.Is(err, ErrSolverFailed) {
		err = errors.Join(ErrSolverFailed, err)
	}
	return newError(KindSolver, iter, err)
}
