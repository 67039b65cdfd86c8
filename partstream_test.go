package partstream_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ryoeda/partstream"
)

func ExampleNewParser() {
	body := strings.NewReader("--boundary\r\n" +
		"Content-Disposition: form-data; name=\"field\"\r\n" +
		"\r\n" +
		"value\r\n" +
		"--boundary\r\n" +
		"Content-Disposition: form-data; name=\"upload\"; filename=\"file.txt\"\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"file contents\r\n" +
		"--boundary--\r\n")

	form, err := partstream.NewParser("boundary").Parse(body)
	if err != nil {
		log.Fatal(err)
	}
	defer form.Close()

	for _, part := range form.Parts() {
		fmt.Printf("%s (%d bytes)\n", part.Name(), part.Size())
	}

	upload := form.Lookup("upload")[0]
	fmt.Printf("file name: %s\n", upload.FileName())
	_, _ = io.Copy(os.Stdout, upload.Body())

	// Output:
	// field (5 bytes)
	// upload (13 bytes)
	// file name: file.txt
	// file contents
}

func TestPartLength(t *testing.T) {
	t.Parallel()

	const length = 5000
	body := "--zzz\r\n" +
		"Content-Disposition: form-data; name=\"x-1\"\r\n" +
		"\r\n" +
		strings.Repeat("X", length) +
		"\r\n--zzz--"

	form, err := partstream.NewParser("zzz").Parse(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer form.Close()

	parts := form.Lookup("x-1")
	if len(parts) != 1 {
		t.Fatalf("part count: expected: 1, actual: %d", len(parts))
	}
	if got := parts[0].Size(); got != length {
		t.Errorf("size: expected: %d, actual: %d", length, got)
	}
	if got := parts[0].Header().Get("Content-Length"); got != "5000" {
		t.Errorf("content length header: expected: %q, actual: %q", "5000", got)
	}
}

// A boundary token may itself start with dashes; the declared token is used
// literally. The empty line right before the terminator belongs to the
// delimiter, not the body.
func TestBoundaryWithLeadingDashes(t *testing.T) {
	t.Parallel()

	const length = 9000
	body := "----foo\r\n" +
		"Content-Disposition: form-data; name=\"foo-1\"\r\n" +
		"\r\n" +
		strings.Repeat("F", length) +
		"\r\n" +
		"\r\n" +
		"----foo--"

	form, err := partstream.NewParser("--foo").Parse(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer form.Close()

	parts := form.Lookup("foo-1")
	if len(parts) != 1 {
		t.Fatalf("part count: expected: 1, actual: %d", len(parts))
	}
	if got := parts[0].Size(); got != length {
		t.Errorf("size: expected: %d, actual: %d", length, got)
	}
}

func TestUnterminatedBody(t *testing.T) {
	t.Parallel()

	body := "--AaB01x\r\n" +
		"Content-Disposition: form-data; fake=\"t2\"\r\n" +
		"\r\n" +
		"447 N Wolfe Rd, Sunnyvale, CA 94085\r\n" +
		"Content-Transfer-Encoding: uwf-8"

	_, err := partstream.NewParser("AaB01x").Parse(strings.NewReader(body))
	if !errors.Is(err, partstream.ErrUnterminatedBody) {
		t.Errorf("expected ErrUnterminatedBody, actual: %v", err)
	}
}

func TestContentNotDistorted(t *testing.T) {
	t.Parallel()

	seq := make([]byte, 127)
	for i := range seq {
		seq[i] = byte(i)
	}
	content := bytes.Repeat(seq, 1_000_000/len(seq)+1)

	var input bytes.Buffer
	input.WriteString("--zzz1\r\n")
	input.WriteString("Content-Disposition: form-data; name=\"test1\"\r\n")
	input.WriteString("\r\n")
	input.Write(content)
	input.WriteString("\r\n--zzz1--\r\n")

	form, err := partstream.NewParser("zzz1").Parse(&input)
	if err != nil {
		t.Fatal(err)
	}
	defer form.Close()

	part := form.Lookup("test1")[0]
	if got := part.Size(); got != int64(len(content)) {
		t.Fatalf("size: expected: %d, actual: %d", len(content), got)
	}

	got, err := io.ReadAll(part.Body())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Error("body bytes differ from input")
	}
}

func TestBodyCRLFPreserved(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		content  string
		wantBody string
	}{
		{
			name:     "crlf between lines survives",
			content:  "line1\r\nline2",
			wantBody: "line1\r\nline2",
		},
		{
			name:     "blank line in the middle survives",
			content:  "line1\r\n\r\nline3",
			wantBody: "line1\r\n\r\nline3",
		},
		{
			name:     "blank line before the terminator is absorbed",
			content:  "data\r\n",
			wantBody: "data",
		},
		{
			name:     "boundary bytes mid-line never match",
			content:  "foo --zzz bar\r\nnext",
			wantBody: "foo --zzz bar\r\nnext",
		},
		{
			name:     "separator look-alike with a differing tail survives",
			content:  "a\r\n--zzzX b",
			wantBody: "a\r\n--zzzX b",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			body := "--zzz\r\n" +
				"Content-Disposition: form-data; name=\"p\"\r\n" +
				"\r\n" +
				tc.content +
				"\r\n--zzz--"

			form, err := partstream.NewParser("zzz").Parse(strings.NewReader(body))
			if err != nil {
				t.Fatal(err)
			}
			defer form.Close()

			got, err := io.ReadAll(form.Lookup("p")[0].Body())
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tc.wantBody {
				t.Errorf("body: expected: %q, actual: %q", tc.wantBody, got)
			}
		})
	}
}

// A body made almost entirely of carriage returns keeps the partial-match
// chain alive far past the window size. The run must come through byte-intact
// without the window growing to hold it all.
func TestLongCarriageReturnRun(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("\r", 100_000) + "tail"
	body := "--b\r\n" +
		"Content-Disposition: form-data; name=\"p\"\r\n" +
		"\r\n" +
		content +
		"\r\n--b--"

	form, err := partstream.NewParser("b").Parse(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer form.Close()

	got, err := io.ReadAll(form.Lookup("p")[0].Body())
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Errorf("body length: expected: %d, actual: %d", len(content), len(got))
	}
}

func TestContentLengthOverridesClientValue(t *testing.T) {
	t.Parallel()

	body := "--b\r\n" +
		"Content-Disposition: form-data; name=\"wrong\"\r\n" +
		"Content-Length: 3\r\n" +
		"\r\n" +
		"eleven char\r\n" +
		"--b\r\n" +
		"Content-Disposition: form-data; name=\"none\"\r\n" +
		"\r\n" +
		"four\r\n" +
		"--b--"

	form, err := partstream.NewParser("b").Parse(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer form.Close()

	if got := form.Lookup("wrong")[0].Header().ContentLength(); got != 11 {
		t.Errorf("overridden content length: expected: 11, actual: %d", got)
	}
	if got := form.Lookup("none")[0].Header().ContentLength(); got != 4 {
		t.Errorf("added content length: expected: 4, actual: %d", got)
	}
}

func TestLookupAbsentName(t *testing.T) {
	t.Parallel()

	body := "--b\r\n" +
		"Content-Disposition: form-data; name=\"present\"\r\n" +
		"\r\n" +
		"x\r\n" +
		"--b--"

	form, err := partstream.NewParser("b").Parse(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer form.Close()

	if got := form.Lookup("absent"); len(got) != 0 {
		t.Errorf("expected empty lookup, actual: %d parts", len(got))
	}
}

// A part whose Content-Disposition has no name parameter is still
// materialized; it is just unreachable by name.
func TestUnnamedPart(t *testing.T) {
	t.Parallel()

	body := "--b\r\n" +
		"Content-Disposition: form-data\r\n" +
		"\r\n" +
		"anonymous\r\n" +
		"--b--"

	form, err := partstream.NewParser("b").Parse(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer form.Close()

	if len(form.Parts()) != 1 {
		t.Fatalf("part count: expected: 1, actual: %d", len(form.Parts()))
	}
	if got := form.Parts()[0].Name(); got != "" {
		t.Errorf("name: expected empty, actual: %q", got)
	}
	if got := form.Lookup(""); len(got) != 0 {
		t.Errorf("unnamed part must not be indexed, actual: %d parts", len(got))
	}
}

func TestDuplicateNamesKeepOrder(t *testing.T) {
	t.Parallel()

	body := "--b\r\n" +
		"Content-Disposition: form-data; name=\"f\"\r\n" +
		"\r\n" +
		"first\r\n" +
		"--b\r\n" +
		"Content-Disposition: form-data; name=\"f\"\r\n" +
		"\r\n" +
		"second\r\n" +
		"--b--"

	form, err := partstream.NewParser("b").Parse(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer form.Close()

	parts := form.Lookup("f")
	if len(parts) != 2 {
		t.Fatalf("part count: expected: 2, actual: %d", len(parts))
	}
	for i, want := range []string{"first", "second"} {
		got, err := io.ReadAll(parts[i].Body())
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("part %d: expected: %q, actual: %q", i, want, got)
		}
	}
}

// Every delimiter must be recognized even when it arrives one byte per read.
func TestOneByteReads(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want map[string]string
	}{
		{
			name: "crlf inside a part",
			body: "--b\r\n" +
				"Content-Disposition: form-data; name=\"f\"\r\n" +
				"\r\n" +
				"content with \r\n inside\r\n" +
				"--b--",
			want: map[string]string{"f": "content with \r\n inside"},
		},
		{
			name: "single empty part",
			body: "--b\r\n" +
				"Content-Disposition: form-data; name=\"empty\"\r\n" +
				"\r\n" +
				"--b--\r\n",
			want: map[string]string{"empty": ""},
		},
		{
			name: "empty part followed by a second part",
			body: "--b\r\n" +
				"Content-Disposition: form-data; name=\"empty\"\r\n" +
				"\r\n" +
				"--b\r\n" +
				"Content-Disposition: form-data; name=\"f\"\r\n" +
				"\r\n" +
				"second\r\n" +
				"--b--",
			want: map[string]string{"empty": "", "f": "second"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			form, err := partstream.NewParser("b").Parse(iotest.OneByteReader(strings.NewReader(tc.body)))
			if err != nil {
				t.Fatal(err)
			}
			defer form.Close()

			if got := len(form.Parts()); got != len(tc.want) {
				t.Fatalf("part count: expected: %d, actual: %d", len(tc.want), got)
			}
			for name, want := range tc.want {
				parts := form.Lookup(name)
				if len(parts) != 1 {
					t.Fatalf("parts named %q: expected: 1, actual: %d", name, len(parts))
				}
				got, err := io.ReadAll(parts[0].Body())
				if err != nil {
					t.Fatal(err)
				}
				if string(got) != want {
					t.Errorf("body of %q: expected: %q, actual: %q", name, want, got)
				}
			}
		})
	}
}

func TestBytesConsumed(t *testing.T) {
	t.Parallel()

	body := "preamble junk\r\n" +
		"--b\r\n" +
		"Content-Disposition: form-data; name=\"a\"\r\n" +
		"\r\n" +
		"aaa\r\n" +
		"--b\r\n" +
		"Content-Disposition: form-data; name=\"b\"\r\n" +
		"\r\n" +
		"bbbbb\r\n" +
		"--b--"

	form, err := partstream.NewParser("b").Parse(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer form.Close()

	if got := form.BytesConsumed(); got != int64(len(body)) {
		t.Errorf("consumed: expected: %d, actual: %d", len(body), got)
	}
}

func TestSpillToDisk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := strings.Repeat("spill me ", 1024) // well over 1KB

	body := "--b\r\n" +
		"Content-Disposition: form-data; name=\"big\"; filename=\"big.bin\"\r\n" +
		"\r\n" +
		content +
		"\r\n--b--"

	form, err := partstream.NewParser("b",
		partstream.WithMaxMemPartSize(1*partstream.KB),
		partstream.WithTempDir(dir),
	).Parse(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("spill files: expected: 1, actual: %d", len(entries))
	}

	part := form.Lookup("big")[0]
	got, err := io.ReadAll(part.Body())
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Error("spilled body differs from input")
	}

	if err := part.Body().Close(); err != nil {
		t.Fatal(err)
	}

	entries, err = os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("spill files after close: expected: 0, actual: %d", len(entries))
	}
}

// Finalized parts are independent and safe for concurrent readers.
func TestConcurrentPartReads(t *testing.T) {
	t.Parallel()

	const parts = 8
	var input bytes.Buffer
	want := make([]string, parts)
	for i := 0; i < parts; i++ {
		want[i] = strings.Repeat(fmt.Sprintf("part-%d ", i), 1000)
		fmt.Fprintf(&input, "--b\r\nContent-Disposition: form-data; name=\"p%d\"\r\n\r\n%s\r\n", i, want[i])
	}
	input.WriteString("--b--")

	form, err := partstream.NewParser("b").Parse(&input)
	if err != nil {
		t.Fatal(err)
	}
	defer form.Close()

	eg := new(errgroup.Group)
	for i := 0; i < parts; i++ {
		eg.Go(func() error {
			got, err := io.ReadAll(form.Lookup(fmt.Sprintf("p%d", i))[0].Body())
			if err != nil {
				return err
			}
			if string(got) != want[i] {
				return fmt.Errorf("part %d body differs", i)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Error(err)
	}
}

func TestTooManyParts(t *testing.T) {
	t.Parallel()

	body := "--b\r\n" +
		"Content-Disposition: form-data; name=\"a\"\r\n" +
		"\r\n" +
		"aaa\r\n" +
		"--b\r\n" +
		"Content-Disposition: form-data; name=\"b\"\r\n" +
		"\r\n" +
		"bbb\r\n" +
		"--b--"

	_, err := partstream.NewParser("b", partstream.WithMaxParts(1)).Parse(strings.NewReader(body))
	if !errors.Is(err, partstream.ErrTooManyParts) {
		t.Errorf("expected ErrTooManyParts, actual: %v", err)
	}
}

type repeatReader struct {
	b byte
}

func (r repeatReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.b
	}

	return len(p), nil
}

// A single 100MB part must stream through in one pass in a few seconds at
// most.
func TestLargeSinglePart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 100MB part in short mode")
	}
	t.Parallel()

	const length = 100_000_000
	head := "--zzz\r\n" +
		"Content-Disposition: form-data; name=\"test\"\r\n" +
		"\r\n"
	src := io.MultiReader(
		strings.NewReader(head),
		io.LimitReader(repeatReader{b: 'X'}, length),
		strings.NewReader("\r\n--zzz--\r\n"),
	)

	start := time.Now()
	form, err := partstream.NewParser("zzz", partstream.WithTempDir(t.TempDir())).Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	defer form.Close()
	elapsed := time.Since(start)

	if got := form.Lookup("test")[0].Size(); got != length {
		t.Errorf("size: expected: %d, actual: %d", length, got)
	}
	if elapsed > 10*time.Second {
		t.Errorf("parsing took too long: %s", elapsed)
	}
	t.Logf("parsed %d bytes in %s", length, elapsed)
}

const boundary = "boundary"

func sampleForm(fileSize partstream.DataSize, boundary string) (io.Reader, error) {
	b := bytes.NewBuffer(nil)

	mw := multipart.NewWriter(b)
	defer mw.Close()

	if err := mw.SetBoundary(boundary); err != nil {
		return nil, err
	}

	if err := mw.WriteField("field", "value"); err != nil {
		return nil, err
	}

	mh := make(textproto.MIMEHeader)
	mh.Set("Content-Disposition", `form-data; name="stream"; filename="file.txt"`)
	mh.Set("Content-Type", "text/plain")
	w, err := mw.CreatePart(mh)
	if err != nil {
		return nil, fmt.Errorf("failed to create part: %w", err)
	}
	if _, err := io.CopyN(w, repeatReader{b: 'a'}, int64(fileSize)); err != nil {
		return nil, fmt.Errorf("failed to copy: %w", err)
	}

	return b, nil
}

func BenchmarkPartstream(b *testing.B) {
	b.Run("1MB", func(b *testing.B) {
		benchmarkPartstream(b, 1*partstream.MB)
	})
	b.Run("10MB", func(b *testing.B) {
		benchmarkPartstream(b, 10*partstream.MB)
	})
	b.Run("100MB", func(b *testing.B) {
		benchmarkPartstream(b, 100*partstream.MB)
	})
}

func benchmarkPartstream(b *testing.B, fileSize partstream.DataSize) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		r, err := sampleForm(fileSize, boundary)
		if err != nil {
			b.Fatal(err)
		}
		b.StartTimer()

		form, err := partstream.NewParser(boundary).Parse(r)
		if err != nil {
			b.Fatal(err)
		}

		if _, err := io.Copy(io.Discard, form.Lookup("stream")[0].Body()); err != nil {
			b.Fatal(err)
		}

		if err := form.Close(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkStdMultipart_ReadForm(b *testing.B) {
	// default value in http package
	const maxMemory = 32 * partstream.MB

	b.Run("1MB", func(b *testing.B) {
		benchmarkStdMultipart_ReadForm(b, 1*partstream.MB, maxMemory)
	})
	b.Run("10MB", func(b *testing.B) {
		benchmarkStdMultipart_ReadForm(b, 10*partstream.MB, maxMemory)
	})
	b.Run("100MB", func(b *testing.B) {
		benchmarkStdMultipart_ReadForm(b, 100*partstream.MB, maxMemory)
	})
}

func benchmarkStdMultipart_ReadForm(b *testing.B, fileSize partstream.DataSize, maxMemory partstream.DataSize) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		r, err := sampleForm(fileSize, boundary)
		if err != nil {
			b.Fatal(err)
		}
		b.StartTimer()

		func() {
			mr := multipart.NewReader(r, boundary)
			form, err := mr.ReadForm(int64(maxMemory))
			if err != nil {
				b.Fatal(err)
			}
			defer form.RemoveAll()

			f, err := form.File["stream"][0].Open()
			if err != nil {
				b.Fatal(err)
			}
			defer f.Close()

			if _, err := io.Copy(io.Discard, f); err != nil {
				b.Fatal(err)
			}

			_ = form.Value["field"][0]
		}()
	}
}
