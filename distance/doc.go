// Package distance provides the vector distance functions used by the index.
//
// Every replica must build a byte-identical graph, so the kernels here are
// portable Go with a fixed accumulation order and explicit float32
// conversions that prevent the compiler from fusing multiply-adds. Results
// are therefore identical across CPUs and architectures.
//
// # Supported Metrics
//
//   - MetricL2: squared Euclidean distance (default)
//   - MetricCosine: 1 - dot product of L2-normalized vectors
//
// # Usage
//
//	fn, _ := distance.Provider(distance.MetricL2)
//	d := fn(a, b)
package distance
