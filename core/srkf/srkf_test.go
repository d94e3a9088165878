package srkf_test

import (
	"errors"
	"math"
	"math/rand"
	"slices"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"

	"example.com/clkcal/base/ud"
	"example.com/clkcal/core/srkf"
)

const tol = 1e-8

type linearModel struct {
	n, m int
	f    []float64
	hm   []float64
}

func (l *linearModel) Predict(dst, x, u []float64, dt float64) {
	for i := 0; i < l.n; i++ {
		var s float64
		for j := 0; j < l.n; j++ {
			s += l.f[i*l.n+j] * x[j]
		}
		if u != nil {
			s += u[i]
		}
		dst[i] = s
	}
}

func (l *linearModel) PredictJacobian(a, x, u []float64, dt float64) {
	copy(a, l.f)
}

func (l *linearModel) Measure(y, x []float64, dt float64) {
	for i := 0; i < l.m; i++ {
		var s float64
		for j := 0; j < l.n; j++ {
			s += l.hm[i*l.n+j] * x[j]
		}
		y[i] = s
	}
}

func (l *linearModel) MeasureJacobian(h, x []float64, dt float64) {
	copy(h, l.hm)
}

// denseFilter is the textbook Kalman filter on full covariance matrices.
type denseFilter struct {
	f, h, q, r *mat.Dense
	x          *mat.VecDense
	p          *mat.Dense
}

func (k *denseFilter) predict(u []float64) {
	n, _ := k.f.Dims()
	var x mat.VecDense
	x.MulVec(k.f, k.x)
	if u != nil {
		x.AddVec(&x, mat.NewVecDense(n, slices.Clone(u)))
	}
	var fp, p mat.Dense
	fp.Mul(k.f, k.p)
	p.Mul(&fp, k.f.T())
	p.Add(&p, k.q)
	k.x, k.p = &x, &p
}

func (k *denseFilter) correct(t *testing.T, z []float64) {
	m, _ := k.h.Dims()
	var ph mat.Dense
	ph.Mul(k.p, k.h.T())
	var s mat.Dense
	s.Mul(k.h, &ph)
	s.Add(&s, k.r)
	var si mat.Dense
	if err := si.Inverse(&s); err != nil {
		t.Fatalf("innovation covariance not invertible: %v", err)
	}
	var g mat.Dense
	g.Mul(&ph, &si)
	var hx, res mat.VecDense
	hx.MulVec(k.h, k.x)
	res.SubVec(mat.NewVecDense(m, slices.Clone(z)), &hx)
	var dx mat.VecDense
	dx.MulVec(&g, &res)
	var x mat.VecDense
	x.AddVec(k.x, &dx)
	var gh, ghp mat.Dense
	gh.Mul(&g, k.h)
	ghp.Mul(&gh, k.p)
	var p mat.Dense
	p.Sub(k.p, &ghp)
	k.x, k.p = &x, &p
}

func randSPD(rng *rand.Rand, n int, scale float64) []float64 {
	b := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			b.Set(i, j, rng.NormFloat64())
		}
	}
	var p mat.Dense
	p.Mul(b, b.T())
	a := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a[i*n+j] = scale * p.At(i, j)
		}
		a[i*n+i] += scale
	}
	return a
}

func randVec(rng *rand.Rand, n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = rng.NormFloat64()
	}
	return v
}

func diag(v []float64) []float64 {
	n := len(v)
	d := make([]float64, n*n)
	for i, x := range v {
		d[i*n+i] = x
	}
	return d
}

func equalApprox(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !scalar.EqualWithinAbsOrRel(a[i], b[i], tol, tol) {
			return false
		}
	}
	return true
}

func denseData(m mat.Matrix) []float64 {
	r, c := m.Dims()
	d := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			d = append(d, m.At(i, j))
		}
	}
	return d
}

func TestUpdateMatchesDenseFilter(t *testing.T) {
	tests := []struct {
		name     string
		diagonal bool
		seed     int64
	}{
		{"Diagonal measurement noise", true, 1},
		{"Correlated measurement noise", false, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const n, m = 3, 2
			rng := rand.New(rand.NewSource(tt.seed))
			f := randVec(rng, n*n)
			for i := range f {
				f[i] *= 0.1
			}
			for i := 0; i < n; i++ {
				f[i*n+i] += 1
			}
			model := &linearModel{n: n, m: m, f: f, hm: randVec(rng, m*n)}
			q := randSPD(rng, n, 0.1)
			var r, rfull []float64
			if tt.diagonal {
				r = []float64{0.5, 2}
				rfull = diag(r)
			} else {
				r = randSPD(rng, m, 0.5)
				rfull = r
			}
			x0 := randVec(rng, n)
			p0 := []float64{4, 1, 0.25}

			est, err := srkf.New(model, x0, p0, m, srkf.Config{Diagonal: tt.diagonal})
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if err := est.SetProcessNoise(q); err != nil {
				t.Fatalf("SetProcessNoise failed: %v", err)
			}
			if err := est.SetMeasurementNoise(r); err != nil {
				t.Fatalf("SetMeasurementNoise failed: %v", err)
			}
			ref := &denseFilter{
				f: mat.NewDense(n, n, slices.Clone(f)),
				h: mat.NewDense(m, n, slices.Clone(model.hm)),
				q: mat.NewDense(n, n, slices.Clone(q)),
				r: mat.NewDense(m, m, slices.Clone(rfull)),
				x: mat.NewVecDense(n, slices.Clone(x0)),
				p: mat.NewDense(n, n, diag(p0)),
			}

			for cycle := 0; cycle < 10; cycle++ {
				z := randVec(rng, m)
				u := randVec(rng, n)
				st := est.Update(z, u, 1, false)
				if !st.Healthy() {
					t.Fatalf("cycle %d: unexpected status %+v", cycle, st)
				}
				ref.predict(u)
				ref.correct(t, z)

				if got, want := est.State(nil), ref.x.RawVector().Data; !equalApprox(got, want) {
					t.Errorf("cycle %d: x = %v, want %v", cycle, got, want)
				}
				if got, want := est.Covariance(), denseData(ref.p); !equalApprox(got, want) {
					t.Errorf("cycle %d: P = %v, want %v", cycle, got, want)
				}
			}
		})
	}
}

func TestInhibit(t *testing.T) {
	const n, m = 2, 1
	model := &linearModel{n: n, m: m, f: []float64{1, 1, 0, 1}, hm: []float64{1, 0}}
	x0 := []float64{10, 0.5}
	p0 := []float64{1, 0.1}
	q := []float64{0.01, 0, 0, 0.001}
	z := []float64{12}

	newEstimator := func() *srkf.Estimator {
		est, err := srkf.New(model, x0, p0, m, srkf.Config{Diagonal: true})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if err := est.SetProcessNoise(q); err != nil {
			t.Fatalf("SetProcessNoise failed: %v", err)
		}
		return est
	}

	inhibited := newEstimator()
	st := inhibited.Update(z, nil, 1, true)
	if !st.IsInhibited() || !st.Healthy() {
		t.Fatalf("unexpected status %+v", st)
	}
	if got, want := inhibited.State(nil), []float64{10.5, 0.5}; !slices.Equal(got, want) {
		t.Errorf("inhibited x = %v, want time update only %v", got, want)
	}
	wantP := []float64{
		1 + 0.1 + 0.01, 0.1,
		0.1, 0.1 + 0.001,
	}
	if got := inhibited.Covariance(); !equalApprox(got, wantP) {
		t.Errorf("inhibited P = %v, want %v", got, wantP)
	}

	active := newEstimator()
	st = active.Update(z, nil, 1, false)
	if st.IsInhibited() {
		t.Fatalf("unexpected status %+v", st)
	}
	got := active.State(nil)
	if got[0] <= 10.5 || got[0] >= 12 {
		t.Errorf("x = %v, want time state strictly between prediction and observation", got)
	}
	if active.Variance(0) >= inhibited.Variance(0) {
		t.Errorf("variance %v after measurement, want below %v", active.Variance(0), inhibited.Variance(0))
	}
}

func TestTimeUpdateNotPositiveDefinite(t *testing.T) {
	const n, m = 2, 1
	model := &linearModel{n: n, m: m, f: []float64{1, 1, 0, 0}, hm: []float64{1, 0}}
	x0 := []float64{3, 2}
	p0 := []float64{1, 1}
	est, err := srkf.New(model, x0, p0, m, srkf.Config{Diagonal: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	st := est.Update([]float64{7}, nil, 1, false)
	if !st.IsNotPositiveDefinite() || st.Healthy() {
		t.Fatalf("status = %+v, want NotPositiveDefinite", st)
	}
	if st.IsDivergent() {
		t.Errorf("status = %+v, want no divergence", st)
	}
	if est.Propagated() {
		t.Errorf("rejected time update reported as committed")
	}
	if got := est.State(nil); !slices.Equal(got, x0) {
		t.Errorf("x = %v, want unmodified %v", got, x0)
	}
	_, d := est.Factors(nil, nil)
	if !slices.Equal(d, p0) {
		t.Errorf("D = %v, want unmodified %v", d, p0)
	}
}

func TestNoiseNotPositiveDefinite(t *testing.T) {
	const n, m = 2, 1
	model := &linearModel{n: n, m: m, f: []float64{1, 1, 0, 1}, hm: []float64{1, 0}}
	est, err := srkf.New(model, []float64{0, 1}, []float64{1, 1}, m, srkf.Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	err = est.SetProcessNoise([]float64{1, 0, 0, 0})
	if !errors.Is(err, ud.ErrNotPositiveDefinite) {
		t.Fatalf("SetProcessNoise = %v, want %v", err, ud.ErrNotPositiveDefinite)
	}
	err = est.SetMeasurementNoise([]float64{-1})
	if !errors.Is(err, ud.ErrNotPositiveDefinite) {
		t.Fatalf("SetMeasurementNoise = %v, want %v", err, ud.ErrNotPositiveDefinite)
	}
	st := est.Update([]float64{1}, nil, 1, false)
	if !st.IsNotPositiveDefinite() {
		t.Errorf("status = %+v, want NotPositiveDefinite", st)
	}
	if !est.Propagated() {
		t.Errorf("time update with the previous process noise not committed")
	}
	st = est.Update([]float64{2}, nil, 1, false)
	if !st.Healthy() {
		t.Errorf("status = %+v, want flags cleared on the following cycle", st)
	}
}

func TestIllConditioned(t *testing.T) {
	const n, m = 2, 1
	model := &linearModel{n: n, m: m, f: []float64{1, 0, 0, 1}, hm: []float64{1, 0}}
	est, err := srkf.New(model, []float64{0, 0}, []float64{1, 1}, m, srkf.Config{Diagonal: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c := 1 - 1e-12
	if err := est.SetProcessNoise([]float64{1, c, c, 1}); err != nil {
		t.Fatalf("SetProcessNoise failed: %v", err)
	}
	st := est.Update([]float64{0}, nil, 1, false)
	if !st.IsIllConditioned() || st.IsNotPositiveDefinite() {
		t.Errorf("status = %+v, want IllConditioned only", st)
	}
}

func TestDivergence(t *testing.T) {
	const n, m = 2, 1
	model := &linearModel{n: n, m: m, f: []float64{1, 1, 0, 1}, hm: []float64{1, 0}}
	x0 := []float64{0, 1}
	p0 := []float64{1, 1}
	est, err := srkf.New(model, x0, p0, m, srkf.Config{Diagonal: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	st := est.Update([]float64{math.NaN()}, nil, 1, false)
	if !st.IsDivergent() {
		t.Fatalf("status = %+v, want Divergence", st)
	}
	st = est.Update([]float64{1}, nil, 1, false)
	if !st.IsDivergent() {
		t.Errorf("status = %+v, want Divergence to persist", st)
	}
	if err := est.Reset(x0, p0); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	st = est.Update([]float64{1}, nil, 1, false)
	if !st.Healthy() {
		t.Errorf("status after Reset = %+v, want healthy", st)
	}
}

func TestNewInvalid(t *testing.T) {
	model := &linearModel{n: 2, m: 1, f: []float64{1, 0, 0, 1}, hm: []float64{1, 0}}
	tests := []struct {
		name  string
		model srkf.Model
		x0    []float64
		p0    []float64
		m     int
		want  error
	}{
		{"No model", nil, []float64{0, 0}, []float64{1, 1}, 1, srkf.ErrInvalidDimensions},
		{"No states", model, nil, nil, 1, srkf.ErrInvalidDimensions},
		{"No observations", model, []float64{0, 0}, []float64{1, 1}, 0, srkf.ErrInvalidDimensions},
		{"Variance length", model, []float64{0, 0}, []float64{1}, 1, srkf.ErrInvalidDimensions},
		{"Zero variance", model, []float64{0, 0}, []float64{1, 0}, 1, srkf.ErrInvalidVariance},
		{"NaN state", model, []float64{math.NaN(), 0}, []float64{1, 1}, 1, srkf.ErrInvalidVariance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srkf.New(tt.model, tt.x0, tt.p0, tt.m, srkf.Config{})
			if !errors.Is(err, tt.want) {
				t.Errorf("New = %v, want %v", err, tt.want)
			}
		})
	}
}

type wrappingModel struct {
	linearModel
	innovations int
}

func (w *wrappingModel) ComputeInnovation(e, z, y []float64) {
	w.innovations++
	for i := range e {
		e[i] = math.Remainder(z[i]-y[i], 10)
	}
}

func (w *wrappingModel) ApplyConstraints(x []float64, dt float64) {
	x[1] = max(x[1], 0)
}

func TestModelHooks(t *testing.T) {
	model := &wrappingModel{
		linearModel: linearModel{n: 2, m: 1, f: []float64{1, 1, 0, 1}, hm: []float64{1, 0}},
	}
	est, err := srkf.New(model, []float64{0, 0}, []float64{1, 1e-6}, 1, srkf.Config{Diagonal: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	// 21 is 1 modulo 10: the wrapped residual pulls the state up by at most 1.
	st := est.Update([]float64{21}, nil, 1, false)
	if !st.Healthy() {
		t.Fatalf("unexpected status %+v", st)
	}
	if model.innovations != 1 {
		t.Errorf("ComputeInnovation called %d times, want 1", model.innovations)
	}
	if got := est.Innovation(nil); !slices.Equal(got, []float64{1}) {
		t.Errorf("innovation = %v, want [1]", got)
	}
	if x := est.State(nil); x[0] <= 0 || x[0] > 1 {
		t.Errorf("x = %v, want time state in (0, 1]", x)
	}

	est.Update([]float64{-5}, nil, 1, false)
	if x := est.State(nil); x[1] < 0 {
		t.Errorf("x = %v, want constrained non-negative rate", x)
	}
}

func TestVariance(t *testing.T) {
	model := &linearModel{n: 3, m: 1, f: []float64{1, 1, 0.5, 0, 1, 1, 0, 0, 1}, hm: []float64{1, 0, 0}}
	est, err := srkf.New(model, []float64{0, 1, 0}, []float64{1, 2, 3}, 1, srkf.Config{Diagonal: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	est.Update([]float64{1.2}, nil, 1, false)
	p := est.Covariance()
	for i := 0; i < 3; i++ {
		if !scalar.EqualWithinAbsOrRel(est.Variance(i), p[i*3+i], tol, tol) {
			t.Errorf("Variance(%d) = %v, want %v", i, est.Variance(i), p[i*3+i])
		}
	}
}

func TestTranslate(t *testing.T) {
	model := &linearModel{n: 2, m: 1, f: []float64{1, 0, 0, 1}, hm: []float64{1, 0}}
	est, err := srkf.New(model, []float64{5, 1}, []float64{1, 1}, 1, srkf.Config{Diagonal: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	before := est.Covariance()
	est.Translate([]float64{-5, 0})
	if got := est.State(nil); !slices.Equal(got, []float64{0, 1}) {
		t.Errorf("x = %v, want [0 1]", got)
	}
	if got := est.Covariance(); !slices.Equal(got, before) {
		t.Errorf("P = %v, want unchanged %v", got, before)
	}
}

func TestRelease(t *testing.T) {
	model := &linearModel{n: 1, m: 1, f: []float64{1}, hm: []float64{1}}
	est, err := srkf.New(model, []float64{0}, []float64{1}, 1, srkf.Config{Diagonal: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	est.Release()
	if st := est.Status(); st.Initialized {
		t.Errorf("status = %+v, want uninitialized", st)
	}
	if st := est.Update([]float64{1}, nil, 1, false); st != (srkf.Status{}) {
		t.Errorf("Update after Release = %+v, want empty status", st)
	}
	if v := est.Variance(0); v != 0 {
		t.Errorf("Variance(0) after Release = %v, want 0", v)
	}
	if err := est.SetProcessNoiseDiagonal([]float64{1}); !errors.Is(err, srkf.ErrReleased) {
		t.Errorf("SetProcessNoiseDiagonal after Release = %v, want %v", err, srkf.ErrReleased)
	}
}
