// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package sandbox drives ephemeral Docker volumes and containers used to
// build and run student submissions in isolation: no network, capped
// memory/pids/stack, and a uid/gid-overridden file upload path so the
// grading host never trusts what a submission writes.
package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	cryptorand "crypto/rand"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/pkg/errors"
)

// VolumeMount describes a single volume bound into a container, mirroring
// the original sandbox's VolumeMountInfo.
type VolumeMount struct {
	Path     string
	Volume   string
	ReadOnly bool
}

// ContainerSpec describes the container a Driver should create, mirroring
// the original sandbox's ContainerInfo constructor arguments.
type ContainerSpec struct {
	Image         string
	Command       []string
	User          string
	Groups        []string
	MemoryLimitMB int
	StackLimitKB  int
	PidsLimit     int
	EnableNetwork bool
	WorkDir       string
	VolumeMounts  []VolumeMount
	// CgroupParent places the container under a pre-provisioned cgroup,
	// letting an operator cap aggregate judge-container resource usage
	// from outside Docker. Empty leaves the daemon's default.
	CgroupParent string
}

// ExecResult is the outcome of a single Exec call.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimeMS   int
	// Killed is true when Exec had to kill the container because the
	// command did not return within the timeout.
	Killed bool
}

// Driver is the sandbox's seam onto a container runtime. The Docker
// implementation below is the only one shipped, but the pipeline only
// depends on this interface so a future driver (e.g. gVisor, Firecracker)
// can be swapped in without touching the judge pipeline.
type Driver interface {
	CreateVolume(ctx context.Context) (string, error)
	RemoveVolume(ctx context.Context, name string) error

	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	RestartContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error

	UploadFile(ctx context.Context, containerID, srcPath, dstDir string, uid, gid int) error
	UploadTree(ctx context.Context, containerID, srcRoot, dstRoot string, uid, gid int) error
	DownloadFile(ctx context.Context, containerID, srcPath, dstDir string) error

	Exec(ctx context.Context, containerID string, cmd []string, user, workDir string, timeout time.Duration) (ExecResult, error)
}

// DockerDriver implements Driver against a local Docker daemon via the
// docker client, the same client construction narwhal's ContainerRunnerPool
// uses.
type DockerDriver struct {
	cli *client.Client
	mu  sync.Mutex
}

// NewDockerDriver connects to the Docker daemon using the standard
// DOCKER_HOST/DOCKER_* environment variables.
func NewDockerDriver() (*DockerDriver, error) {
	cli, err := client.NewEnvClient()
	if err != nil {
		return nil, errors.Wrap(err, "connect to docker daemon")
	}
	return &DockerDriver{cli: cli}, nil
}

func (d *DockerDriver) CreateVolume(ctx context.Context) (string, error) {
	name := "judge-" + randomID()
	if _, err := d.cli.VolumeCreate(ctx, types.VolumeCreateRequest{Name: name}); err != nil {
		return "", errors.Wrap(err, "create volume")
	}
	return name, nil
}

func (d *DockerDriver) RemoveVolume(ctx context.Context, name string) error {
	if err := d.cli.VolumeRemove(ctx, name, true); err != nil {
		return errors.Wrap(err, "remove volume")
	}
	return nil
}

func (d *DockerDriver) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	var ulimits []*units.Ulimit
	if spec.StackLimitKB > 0 {
		stackBytes := int64(spec.StackLimitKB) * 1024
		ulimits = append(ulimits, &units.Ulimit{Name: "stack", Soft: stackBytes, Hard: stackBytes})
	}

	memBytes := int64(0)
	if spec.MemoryLimitMB > 0 {
		memBytes = int64(spec.MemoryLimitMB) * 1024 * 1024
	}

	pidsLimit := int64(-1)
	if spec.PidsLimit > 0 {
		pidsLimit = int64(spec.PidsLimit)
	}

	binds := make([]string, 0, len(spec.VolumeMounts))
	for _, m := range spec.VolumeMounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		binds = append(binds, fmt.Sprintf("%s:%s:%s", m.Volume, m.Path, mode))
	}

	networkMode := container.NetworkMode("none")
	if spec.EnableNetwork {
		networkMode = container.NetworkMode("bridge")
	}

	user := spec.User
	if len(spec.Groups) > 0 {
		user = fmt.Sprintf("%s:%s", spec.User, spec.Groups[0])
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        spec.Command,
			User:       user,
			WorkingDir: spec.WorkDir,
			Tty:        false,
		},
		&container.HostConfig{
			Binds:        binds,
			NetworkMode:  networkMode,
			CgroupParent: spec.CgroupParent,
			Resources: container.Resources{
				Memory:     memBytes,
				MemorySwap: memBytes,
				PidsLimit:  pidsLimit,
				Ulimits:    ulimits,
			},
		},
		nil, "")
	if err != nil {
		return "", errors.Wrap(err, "create container")
	}
	return resp.ID, nil
}

func (d *DockerDriver) StartContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return errors.Wrap(err, "start container")
	}
	return nil
}

func (d *DockerDriver) RestartContainer(ctx context.Context, id string) error {
	timeout := 5 * time.Second
	if err := d.cli.ContainerRestart(ctx, id, &timeout); err != nil {
		return errors.Wrap(err, "restart container")
	}
	return nil
}

func (d *DockerDriver) RemoveContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
		return errors.Wrap(err, "remove container")
	}
	return nil
}

// UploadFile tars srcPath with its owner overridden to the given uid/gid
// and puts the archive at dstDir, matching the original sandbox's
// uploadFile semantics exactly (one file in, one file out, no directory
// structure implied beyond the basename).
func (d *DockerDriver) UploadFile(ctx context.Context, containerID, srcPath, dstDir string, uid, gid int) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		return errors.Wrap(err, "stat source file")
	}
	data, err := ioutil.ReadFile(srcPath)
	if err != nil {
		return errors.Wrap(err, "read source file")
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filepath.Base(srcPath),
		Mode: int64(info.Mode().Perm()),
		Size: int64(len(data)),
		Uid:  uid,
		Gid:  gid,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrap(err, "write tar header")
	}
	if _, err := tw.Write(data); err != nil {
		return errors.Wrap(err, "write tar body")
	}
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "close tar writer")
	}

	if err := d.cli.CopyToContainer(ctx, containerID, dstDir, &buf, types.CopyToContainerOptions{}); err != nil {
		return errors.Wrap(err, "copy file to container")
	}
	return nil
}

// UploadTree tars every regular file under srcRoot, preserving its path
// relative to srcRoot, and puts the archive at dstRoot.
func (d *DockerDriver) UploadTree(ctx context.Context, containerID, srcRoot, dstRoot string, uid, gid int) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(srcRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		data, err := ioutil.ReadFile(path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name: rel,
			Mode: int64(info.Mode().Perm()),
			Size: int64(len(data)),
			Uid:  uid,
			Gid:  gid,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "walk source tree")
	}
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "close tar writer")
	}

	if err := d.cli.CopyToContainer(ctx, containerID, dstRoot, &buf, types.CopyToContainerOptions{}); err != nil {
		return errors.Wrap(err, "copy tree to container")
	}
	return nil
}

func (d *DockerDriver) DownloadFile(ctx context.Context, containerID, srcPath, dstDir string) error {
	rc, _, err := d.cli.CopyFromContainer(ctx, containerID, srcPath)
	if err != nil {
		return errors.Wrap(err, "copy file from container")
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read tar stream")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		dst := filepath.Join(dstDir, filepath.Base(hdr.Name))
		f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return errors.Wrap(err, "create destination file")
		}
		_, err = io.Copy(f, tr)
		f.Close()
		if err != nil {
			return errors.Wrap(err, "write destination file")
		}
	}
}

// Exec runs cmd inside containerID and waits up to timeout for it to
// finish. If the deadline passes first, the container is killed and Killed
// is set on the returned result — the caller treats this as a host-side
// ceiling breach (IE), distinct from the watchdog's own TLE detection.
func (d *DockerDriver) Exec(ctx context.Context, containerID string, cmd []string, user, workDir string, timeout time.Duration) (ExecResult, error) {
	execCfg := types.ExecConfig{
		Cmd:          cmd,
		User:         user,
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := d.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return ExecResult{}, errors.Wrap(err, "create exec")
	}

	resultCh := make(chan ExecResult, 1)
	errCh := make(chan error, 1)
	start := time.Now()

	go func() {
		attach, err := d.cli.ContainerExecAttach(ctx, created.ID, types.ExecConfig{})
		if err != nil {
			errCh <- err
			return
		}
		defer attach.Close()

		var stdout, stderr bytes.Buffer
		if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
			errCh <- err
			return
		}

		inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			errCh <- err
			return
		}

		resultCh <- ExecResult{
			ExitCode: inspect.ExitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			TimeMS:   int(time.Since(start).Milliseconds()),
		}
	}()

	select {
	case res := <-resultCh:
		return res, nil
	case err := <-errCh:
		return ExecResult{}, errors.Wrap(err, "exec attach")
	case <-time.After(timeout):
		_ = d.cli.ContainerKill(ctx, containerID, "KILL")
		return ExecResult{Killed: true, TimeMS: int(timeout.Milliseconds())}, nil
	}
}

func randomID() string {
	b := make([]byte, 16)
	_, _ = cryptorand.Read(b)
	return fmt.Sprintf("%x", b)
}
