// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kernerr contains the recoverable kernel error codes exported as
// error interface pointers. They compare cheaply with == and convert to the
// negative return values handed back to user space.
package kernerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"rvcore.dev/rvcore/pkg/errors"
)

// The errors below carry the numbering of unix.Errno, so that
// unix.Errno(ENOMEM.Errno()) == unix.ENOMEM.
var (
	ENOENT  = errors.New(unix.ENOENT, "no such file or directory")
	ESRCH   = errors.New(unix.ESRCH, "no such process")
	ENOEXEC = errors.New(unix.ENOEXEC, "exec format error")
	EBADF   = errors.New(unix.EBADF, "bad file number")
	ECHILD  = errors.New(unix.ECHILD, "no child processes")
	EAGAIN  = errors.New(unix.EAGAIN, "try again")
	ENOMEM  = errors.New(unix.ENOMEM, "out of memory")
	EFAULT  = errors.New(unix.EFAULT, "bad address")
	EINVAL  = errors.New(unix.EINVAL, "invalid argument")
	EMFILE  = errors.New(unix.EMFILE, "too many open files")
	E2BIG   = errors.New(unix.E2BIG, "argument list too long")
	ENOSYS  = errors.New(unix.ENOSYS, "invalid system call number")
	EINTR   = errors.New(unix.EINTR, "interrupted system call")
)

// ToErrno converts err into the errno returned to user space. A nil error is
// zero; errors that carry no errno map to EINVAL.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var kerr *errors.Error
	if goerrors.As(err, &kerr) {
		return kerr.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno
	}
	return unix.EINVAL
}

// Return converts a result and error pair into the register value of a
// system call: the result on success and the negated errno otherwise.
func Return(v uint64, err error) uint64 {
	if err != nil {
		return uint64(-int64(ToErrno(err)))
	}
	return v
}
