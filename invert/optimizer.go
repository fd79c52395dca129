package invert

import "math"

// Optimizer updates latent tensors in place from their gradients. Step
// receives the tensors and gradients positionally, so stateful
// optimizers key their moments by position.
type Optimizer interface {
	Step(latents, grads [][]float32, learningRate float32)
	Reset()
	Name() string
}

// SGD is plain gradient descent.
type SGD struct{}

// Name identifies the optimizer in logs.
func (SGD) Name() string { return "sgd" }

// Step applies latent -= lr * grad.
func (SGD) Step(latents, grads [][]float32, learningRate float32) {
	for t := range latents {
		l, g := latents[t], grads[t]
		for i := range l {
			l[i] -= learningRate * g[i]
		}
	}
}

// Reset is a no-op: SGD carries no state.
func (SGD) Reset() {}

// Adam implements the Adam update with bias correction. Moment buffers
// are allocated lazily per latent tensor on the first Step.
type Adam struct {
	Beta1   float32
	Beta2   float32
	Epsilon float32

	m    map[int][]float32
	v    map[int][]float32
	step int
}

// NewAdam returns an Adam optimizer with the usual defaults
// (beta1=0.9, beta2=0.999, epsilon=1e-8).
func NewAdam() *Adam {
	return &Adam{Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// Name identifies the optimizer in logs.
func (a *Adam) Name() string { return "adam" }

// Step applies one Adam update to every latent tensor.
func (a *Adam) Step(latents, grads [][]float32, learningRate float32) {
	if a.m == nil {
		a.m = make(map[int][]float32)
		a.v = make(map[int][]float32)
	}
	a.step++
	c1 := 1 - float32(math.Pow(float64(a.Beta1), float64(a.step)))
	c2 := 1 - float32(math.Pow(float64(a.Beta2), float64(a.step)))

	for t := range latents {
		l, g := latents[t], grads[t]
		m, ok := a.m[t]
		if !ok {
			m = make([]float32, len(l))
			a.m[t] = m
			a.v[t] = make([]float32, len(l))
		}
		v := a.v[t]
		for i := range l {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g[i]
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g[i]*g[i]
			mHat := m[i] / c1
			vHat := v[i] / c2
			l[i] -= learningRate * mHat / (float32(math.Sqrt(float64(vHat))) + a.Epsilon)
		}
	}
}

// Reset drops all moment state and restarts the step count.
func (a *Adam) Reset() {
	a.m = nil
	a.v = nil
	a.step = 0
}
