package main

import (
	"bufio"
	"os"
	"strings"

	"github.com/httprunner/DevicePool/internal/model"
	"github.com/pkg/errors"
)

// readTestList 读取测试列表：每行一个测试，忽略空行和 # 注释，重复项只保留首次出现。
func readTestList(path string) ([]model.Test, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("--tests must be provided")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open test list")
	}
	defer f.Close()

	var (
		tests []model.Test
		seen  = make(map[string]struct{})
	)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		test, err := model.ParseTest(line)
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, lineNo)
		}
		if _, dup := seen[test.ID()]; dup {
			continue
		}
		seen[test.ID()] = struct{}{}
		tests = append(tests, test)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read test list")
	}
	if len(tests) == 0 {
		return nil, errors.Errorf("test list %s is empty", path)
	}
	return tests, nil
}
