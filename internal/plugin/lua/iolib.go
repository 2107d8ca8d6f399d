package lua

import (
	"bufio"
	"os"

	lua "github.com/yuin/gopher-lua"
)

// injectFileAPI installs a reduced io module, unlocked by the file_system
// permission: io.open with the standard modes, io.lines, and file handles
// supporting read/write/lines/flush/close.
func (s *Sandbox) injectFileAPI() {
	ioMod := s.L.NewTable()
	fileMT := s.fileMetatable()

	s.L.SetField(ioMod, "open", s.L.NewFunction(func(L *lua.LState) int {
		filename := L.CheckString(1)
		mode := L.OptString(2, "r")

		flag, ok := openFlags(mode)
		if !ok {
			L.ArgError(2, "invalid mode "+mode)
			return 0
		}

		file, err := os.OpenFile(filename, flag, 0o644)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}

		ud := L.NewUserData()
		ud.Value = file
		L.SetMetatable(ud, fileMT)
		L.Push(ud)
		return 1
	}))

	s.L.SetField(ioMod, "lines", s.L.NewFunction(func(L *lua.LState) int {
		filename := L.CheckString(1)
		content, err := os.ReadFile(filename)
		if err != nil {
			L.RaiseError("cannot open file: %s", err.Error())
			return 0
		}
		L.Push(lineIterator(L, string(content)))
		return 1
	}))

	s.L.SetGlobal("io", ioMod)
}

// openFlags maps Lua io.open modes to os flags.
func openFlags(mode string) (int, bool) {
	switch mode {
	case "r", "rb":
		return os.O_RDONLY, true
	case "w", "wb":
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC, true
	case "a", "ab":
		return os.O_WRONLY | os.O_CREATE | os.O_APPEND, true
	case "r+", "r+b":
		return os.O_RDWR, true
	case "w+", "w+b":
		return os.O_RDWR | os.O_CREATE | os.O_TRUNC, true
	case "a+", "a+b":
		return os.O_RDWR | os.O_CREATE | os.O_APPEND, true
	default:
		return 0, false
	}
}

// fileMetatable builds the shared metatable for file handle userdata.
func (s *Sandbox) fileMetatable() *lua.LTable {
	mt := s.L.NewTable()
	index := s.L.NewTable()

	s.L.SetField(index, "read", s.L.NewFunction(func(L *lua.LState) int {
		file := checkFile(L)
		if file == nil {
			return 0
		}

		format := L.OptString(2, "*l")
		switch format {
		case "*a", "*all":
			content, err := os.ReadFile(file.Name())
			if err != nil {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(lua.LString(content))
			return 1
		case "*l", "*line":
			scanner := bufio.NewScanner(file)
			if !scanner.Scan() {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(lua.LString(scanner.Text()))
			return 1
		default:
			L.Push(lua.LNil)
			return 1
		}
	}))

	s.L.SetField(index, "write", s.L.NewFunction(func(L *lua.LState) int {
		file := checkFile(L)
		if file == nil {
			return 0
		}

		for i := 2; i <= L.GetTop(); i++ {
			if _, err := file.WriteString(L.CheckString(i)); err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
		}

		L.Push(L.Get(1)) // return the handle for chaining
		return 1
	}))

	s.L.SetField(index, "lines", s.L.NewFunction(func(L *lua.LState) int {
		file := checkFile(L)
		if file == nil {
			return 0
		}

		content, err := os.ReadFile(file.Name())
		if err != nil {
			L.RaiseError("cannot read file: %s", err.Error())
			return 0
		}
		L.Push(lineIterator(L, string(content)))
		return 1
	}))

	s.L.SetField(index, "flush", s.L.NewFunction(func(L *lua.LState) int {
		file := checkFile(L)
		if file == nil {
			return 0
		}
		if err := file.Sync(); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))

	s.L.SetField(index, "close", s.L.NewFunction(func(L *lua.LState) int {
		file := checkFile(L)
		if file == nil {
			return 0
		}
		if err := file.Close(); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))

	s.L.SetField(mt, "__index", index)
	return mt
}

// checkFile extracts the *os.File from the first argument.
func checkFile(L *lua.LState) *os.File {
	ud := L.CheckUserData(1)
	file, ok := ud.Value.(*os.File)
	if !ok {
		L.ArgError(1, "expected file handle")
		return nil
	}
	return file
}

// lineIterator returns a Lua iterator over the lines of content.
func lineIterator(L *lua.LState, content string) *lua.LFunction {
	lines := splitLines(content)
	idx := 0
	return L.NewFunction(func(L *lua.LState) int {
		if idx >= len(lines) {
			return 0
		}
		L.Push(lua.LString(lines[idx]))
		idx++
		return 1
	})
}

// splitLines splits content into lines, dropping trailing \r.
func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
