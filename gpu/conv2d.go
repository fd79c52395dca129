package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// Conv2DSpec defines a bias-free, stride-1 2D convolution in NCHW layout.
// Bias and scaling stay on the host: the generator applies its weight-scale
// layer after the raw convolution.
type Conv2DSpec struct {
	Batch       int
	InChannels  int
	OutChannels int
	KernelSize  int
	Padding     int
	InputHeight int
	InputWidth  int
	Weights     []float32 // [OutChannels * InChannels * KernelSize * KernelSize]
}

// Conv2D holds GPU resources for one convolution layer, forward and
// input-gradient directions.
type Conv2D struct {
	Spec Conv2DSpec

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup

	bwPipeline  *wgpu.ComputePipeline
	bwBindGroup *wgpu.BindGroup

	inputBuffer   *wgpu.Buffer
	outputBuffer  *wgpu.Buffer
	weightBuffer  *wgpu.Buffer
	gradOutBuffer *wgpu.Buffer
	gradInBuffer  *wgpu.Buffer

	outputH, outputW int
}

// NewConv2D validates the spec and prepares a layer. Init must be called
// before use.
func NewConv2D(spec Conv2DSpec) (*Conv2D, error) {
	if spec.Batch < 1 || spec.InChannels < 1 || spec.OutChannels < 1 || spec.KernelSize < 1 {
		return nil, fmt.Errorf("conv2d: invalid spec %+v", spec)
	}
	want := spec.OutChannels * spec.InChannels * spec.KernelSize * spec.KernelSize
	if len(spec.Weights) != want {
		return nil, fmt.Errorf("conv2d: want %d weights, got %d", want, len(spec.Weights))
	}
	l := &Conv2D{Spec: spec}
	l.outputH = spec.InputHeight + 2*spec.Padding - spec.KernelSize + 1
	l.outputW = spec.InputWidth + 2*spec.Padding - spec.KernelSize + 1
	if l.outputH < 1 || l.outputW < 1 {
		return nil, fmt.Errorf("conv2d: degenerate output %dx%d", l.outputH, l.outputW)
	}
	return l, nil
}

// InputSize returns the expected flat input length.
func (l *Conv2D) InputSize() int {
	return l.Spec.Batch * l.Spec.InChannels * l.Spec.InputHeight * l.Spec.InputWidth
}

// OutputSize returns the flat output length.
func (l *Conv2D) OutputSize() int {
	return l.Spec.Batch * l.Spec.OutChannels * l.outputH * l.outputW
}

// Init allocates buffers and compiles both pipelines.
func (l *Conv2D) Init(labelPrefix string) error {
	c, err := GetContext()
	if err != nil {
		return err
	}

	if l.inputBuffer, err = NewEmptyBuffer(labelPrefix+"_In", l.InputSize(),
		wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst|wgpu.BufferUsageCopySrc); err != nil {
		return err
	}
	if l.outputBuffer, err = NewEmptyBuffer(labelPrefix+"_Out", l.OutputSize(),
		wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst|wgpu.BufferUsageCopySrc); err != nil {
		return err
	}
	if l.weightBuffer, err = NewFloatBuffer(l.Spec.Weights,
		wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst); err != nil {
		return err
	}
	if l.gradOutBuffer, err = NewEmptyBuffer(labelPrefix+"_dOut", l.OutputSize(),
		wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst|wgpu.BufferUsageCopySrc); err != nil {
		return err
	}
	if l.gradInBuffer, err = NewEmptyBuffer(labelPrefix+"_dIn", l.InputSize(),
		wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst|wgpu.BufferUsageCopySrc); err != nil {
		return err
	}

	mod, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          labelPrefix + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: l.generateShader()},
	})
	if err != nil {
		return err
	}
	if l.pipeline, err = c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   labelPrefix + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
	}); err != nil {
		return err
	}
	if l.bindGroup, err = c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  labelPrefix + "_Bind",
		Layout: l.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.inputBuffer, Size: l.inputBuffer.GetSize()},
			{Binding: 1, Buffer: l.weightBuffer, Size: l.weightBuffer.GetSize()},
			{Binding: 2, Buffer: l.outputBuffer, Size: l.outputBuffer.GetSize()},
		},
	}); err != nil {
		return err
	}

	bwMod, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          labelPrefix + "_BwdShader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: l.generateBackwardShader()},
	})
	if err != nil {
		return err
	}
	if l.bwPipeline, err = c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   labelPrefix + "_BwdPipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: bwMod, EntryPoint: "main"},
	}); err != nil {
		return err
	}
	l.bwBindGroup, err = c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  labelPrefix + "_BwdBind",
		Layout: l.bwPipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.gradOutBuffer, Size: l.gradOutBuffer.GetSize()},
			{Binding: 1, Buffer: l.weightBuffer, Size: l.weightBuffer.GetSize()},
			{Binding: 2, Buffer: l.gradInBuffer, Size: l.gradInBuffer.GetSize()},
		},
	})
	return err
}

func (l *Conv2D) generateShader() string {
	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> input : array<f32>;
		@group(0) @binding(1) var<storage, read> weights : array<f32>;
		@group(0) @binding(2) var<storage, read_write> output : array<f32>;

		const BATCH: u32 = %du;
		const IN_CH: u32 = %du;
		const IN_H: u32 = %du;
		const IN_W: u32 = %du;
		const OUT_CH: u32 = %du;
		const K: u32 = %du;
		const PADDING: u32 = %du;
		const OUT_H: u32 = %du;
		const OUT_W: u32 = %du;

		@compute @workgroup_size(256)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			let total = BATCH * OUT_CH * OUT_H * OUT_W;
			if (idx >= total) { return; }

			// Output layout: [B, C, H, W]
			let ow = idx %% OUT_W;
			let oh = (idx / OUT_W) %% OUT_H;
			let oc = (idx / (OUT_W * OUT_H)) %% OUT_CH;
			let b = idx / (OUT_W * OUT_H * OUT_CH);

			var sum: f32 = 0.0;

			for (var kh: u32 = 0u; kh < K; kh++) {
				for (var kw: u32 = 0u; kw < K; kw++) {
					let ih_signed = i32(oh + kh) - i32(PADDING);
					let iw_signed = i32(ow + kw) - i32(PADDING);

					if (ih_signed >= 0 && u32(ih_signed) < IN_H &&
					    iw_signed >= 0 && u32(iw_signed) < IN_W) {
						let ih = u32(ih_signed);
						let iw = u32(iw_signed);

						for (var ic: u32 = 0u; ic < IN_CH; ic++) {
							let i_idx = ((b * IN_CH + ic) * IN_H + ih) * IN_W + iw;
							let w_idx = ((oc * IN_CH + ic) * K + kh) * K + kw;
							sum += input[i_idx] * weights[w_idx];
						}
					}
				}
			}

			output[idx] = sum;
		}
	`, l.Spec.Batch, l.Spec.InChannels, l.Spec.InputHeight, l.Spec.InputWidth,
		l.Spec.OutChannels, l.Spec.KernelSize, l.Spec.Padding, l.outputH, l.outputW)
}

func (l *Conv2D) generateBackwardShader() string {
	// Input gradient of a stride-1 convolution: correlate the output
	// gradient with the kernel, indices reversed.
	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> d_output : array<f32>;
		@group(0) @binding(1) var<storage, read> weights : array<f32>;
		@group(0) @binding(2) var<storage, read_write> d_input : array<f32>;

		const BATCH: u32 = %du;
		const IN_CH: u32 = %du;
		const IN_H: u32 = %du;
		const IN_W: u32 = %du;
		const OUT_CH: u32 = %du;
		const K: u32 = %du;
		const PADDING: u32 = %du;
		const OUT_H: u32 = %du;
		const OUT_W: u32 = %du;

		@compute @workgroup_size(256)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			let total = BATCH * IN_CH * IN_H * IN_W;
			if (idx >= total) { return; }

			let iw = idx %% IN_W;
			let ih = (idx / IN_W) %% IN_H;
			let ic = (idx / (IN_W * IN_H)) %% IN_CH;
			let b = idx / (IN_W * IN_H * IN_CH);

			var grad: f32 = 0.0;

			for (var kh: u32 = 0u; kh < K; kh++) {
				for (var kw: u32 = 0u; kw < K; kw++) {
					// ih = oh + kh - PADDING, solved for oh
					let oh_signed = i32(ih + PADDING) - i32(kh);
					let ow_signed = i32(iw + PADDING) - i32(kw);

					if (oh_signed >= 0 && u32(oh_signed) < OUT_H &&
					    ow_signed >= 0 && u32(ow_signed) < OUT_W) {
						let oh = u32(oh_signed);
						let ow = u32(ow_signed);

						for (var oc: u32 = 0u; oc < OUT_CH; oc++) {
							let do_idx = ((b * OUT_CH + oc) * OUT_H + oh) * OUT_W + ow;
							let w_idx = ((oc * IN_CH + ic) * K + kh) * K + kw;
							grad += d_output[do_idx] * weights[w_idx];
						}
					}
				}
			}

			d_input[idx] = grad;
		}
	`, l.Spec.Batch, l.Spec.InChannels, l.Spec.InputHeight, l.Spec.InputWidth,
		l.Spec.OutChannels, l.Spec.KernelSize, l.Spec.Padding, l.outputH, l.outputW)
}

// Forward uploads the input, runs the convolution, and reads back the
// result.
func (l *Conv2D) Forward(input []float32) ([]float32, error) {
	if len(input) != l.InputSize() {
		return nil, fmt.Errorf("conv2d: want %d input values, got %d", l.InputSize(), len(input))
	}
	c, err := GetContext()
	if err != nil {
		return nil, err
	}

	c.Queue.WriteBuffer(l.inputBuffer, 0, wgpu.ToBytes(input))

	encoder, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(l.pipeline)
	pass.SetBindGroup(0, l.bindGroup, nil)
	pass.DispatchWorkgroups(uint32((l.OutputSize()+255)/256), 1, 1)
	pass.End()
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, err
	}
	c.Queue.Submit(cmd)

	return ReadBuffer(l.outputBuffer, l.OutputSize())
}

// BackwardInput uploads the output gradient and reads back the input
// gradient.
func (l *Conv2D) BackwardInput(gradOutput []float32) ([]float32, error) {
	if len(gradOutput) != l.OutputSize() {
		return nil, fmt.Errorf("conv2d: want %d gradient values, got %d", l.OutputSize(), len(gradOutput))
	}
	c, err := GetContext()
	if err != nil {
		return nil, err
	}

	c.Queue.WriteBuffer(l.gradOutBuffer, 0, wgpu.ToBytes(gradOutput))

	encoder, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(l.bwPipeline)
	pass.SetBindGroup(0, l.bwBindGroup, nil)
	pass.DispatchWorkgroups(uint32((l.InputSize()+255)/256), 1, 1)
	pass.End()
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, err
	}
	c.Queue.Submit(cmd)

	return ReadBuffer(l.gradInBuffer, l.InputSize())
}

// Cleanup releases all GPU resources held by the layer
func (l *Conv2D) Cleanup() {
	bufs := []*wgpu.Buffer{l.inputBuffer, l.outputBuffer, l.weightBuffer, l.gradOutBuffer, l.gradInBuffer}
	for _, b := range bufs {
		if b != nil {
			b.Destroy()
		}
	}
	if l.pipeline != nil {
		l.pipeline.Release()
	}
	if l.bindGroup != nil {
		l.bindGroup.Release()
	}
	if l.bwPipeline != nil {
		l.bwPipeline.Release()
	}
	if l.bwBindGroup != nil {
		l.bwBindGroup.Release()
	}
}
