package corehost

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBoundedLine_ReadsOneLine(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("hello world\nnext line\n"))
	line, err := readBoundedLine(r, 1024)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(line))
}

func TestReadBoundedLine_TrimsCRLF(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("hello world\r\n"))
	line, err := readBoundedLine(r, 1024)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(line))
}

func TestReadBoundedLine_EOFWithTrailingDataReturnsIt(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("no newline at end"))
	line, err := readBoundedLine(r, 1024)
	require.NoError(t, err)
	assert.Equal(t, "no newline at end", string(line))
}

func TestReadBoundedLine_EOFWithNoDataReturnsEOF(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(""))
	_, err := readBoundedLine(r, 1024)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadBoundedLine_OverLongLineErrors(t *testing.T) {
	huge := strings.Repeat("a", 200) + "\n"
	r := bufio.NewReader(strings.NewReader(huge))
	_, err := readBoundedLine(r, 50)
	assert.ErrorIs(t, err, errLineTooLong)
}

func TestReadBoundedLine_AccumulatesAcrossShortInternalBuffer(t *testing.T) {
	// A small internal buffer forces bufio.ErrBufferFull on intermediate
	// reads, exercising the accumulation loop rather than a single ReadSlice.
	payload := strings.Repeat("b", 300) + "\n"
	r := bufio.NewReaderSize(strings.NewReader(payload), 16)
	line, err := readBoundedLine(r, 1024)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("b", 300), string(line))
}

func TestReadBoundedLine_MultipleSequentialLines(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("one\ntwo\nthree\n"))
	for _, want := range []string{"one", "two", "three"} {
		line, err := readBoundedLine(r, 1024)
		require.NoError(t, err)
		assert.Equal(t, want, string(line))
	}
}
