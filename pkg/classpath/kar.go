package classpath

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
)

const (
	karMagic   = "KNAR"
	karVersion = 2
	// 4 chars and 3 uint32s
	karHeaderSize = 4 + 12
	karEntrySize  = 14
)

// KarFile contains the metadata for a file entry
type KarFile struct {
	offset  int32
	size    int32
	decSize int32
	// compressed content, only set while writing
	data []byte
}

// KarFolder contains an index of the available sub-folders and files
type KarFolder struct {
	folders map[string]*KarFolder
	files   map[string]*KarFile
}

func newKarFolder() *KarFolder {
	return &KarFolder{
		folders: map[string]*KarFolder{},
		files:   map[string]*KarFile{},
	}
}

// KarWriter writes .kar archives. File data is kept in memory until Close() lays out data and index in
// sorted order, so the archive only depends on its contents and not on the order files were added in.
type KarWriter struct {
	hdl      *os.File
	root     *KarFolder
	dirStack []*KarFolder
	current  *KarFolder
	buffer   []byte
}

// NewKarWriter creates a new KarWriter instance and opens it for writing
func NewKarWriter(filename string) (*KarWriter, error) {
	hdl, err := os.Create(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", filename)
	}

	root := newKarFolder()

	_, err = hdl.Seek(karHeaderSize, io.SeekStart)
	if err != nil {
		hdl.Close()
		return nil, err
	}

	return &KarWriter{
		hdl:      hdl,
		root:     root,
		dirStack: []*KarFolder{root},
		current:  root,
		buffer:   make([]byte, 4096),
	}, nil
}

// OpenDirectory enters the given directory, creating it if necessary. Anything created until the next
// CloseDirectory() call will be created inside this directory.
func (w *KarWriter) OpenDirectory(dirname string) error {
	if dirname == "" || dirname == "." || dirname == ".." || strings.Contains(dirname, "/") {
		return eris.Errorf("invalid directory name %q", dirname)
	}

	dir, ok := w.current.folders[dirname]
	if !ok {
		dir = newKarFolder()
		w.current.folders[dirname] = dir
	}

	w.dirStack = append(w.dirStack, dir)
	w.current = dir
	return nil
}

// CloseDirectory closes the directory that was last opened
func (w *KarWriter) CloseDirectory() error {
	stackLen := len(w.dirStack)
	if stackLen < 2 {
		return eris.New("No directory left on stack")
	}

	w.dirStack = w.dirStack[:stackLen-1]
	w.current = w.dirStack[stackLen-2]
	return nil
}

// WriteFile creates a new file in the current archive directory
func (w *KarWriter) WriteFile(filename string, reader io.Reader) error {
	var compressed bytes.Buffer
	brw := brotli.NewWriterLevel(&compressed, brotli.BestCompression)

	decSize, err := io.CopyBuffer(brw, reader, w.buffer)
	if err != nil {
		return eris.Wrapf(err, "failed to compress %s", filename)
	}

	err = brw.Close()
	if err != nil {
		return err
	}

	w.current.files[filename] = &KarFile{
		size:    int32(compressed.Len()),
		decSize: int32(decSize),
		data:    compressed.Bytes(),
	}
	return nil
}

// WritePath stores content under a slash separated path relative to the archive root.
func (w *KarWriter) WritePath(name string, content []byte) error {
	name = path.Clean(name)
	parts := strings.Split(name, "/")
	depth := len(w.dirStack)

	for _, dir := range parts[:len(parts)-1] {
		err := w.OpenDirectory(dir)
		if err != nil {
			return err
		}
	}

	err := w.WriteFile(parts[len(parts)-1], bytes.NewReader(content))
	if err != nil {
		return err
	}

	for len(w.dirStack) > depth {
		err = w.CloseDirectory()
		if err != nil {
			return err
		}
	}
	return nil
}

// Close writes the file data and the central index, then closes the archive
func (w *KarWriter) Close() error {
	if len(w.dirStack) != 1 {
		w.hdl.Close()
		return eris.New("Open directories left over!")
	}

	_, err := writeDirectoryData(w.root, w.hdl, karHeaderSize)
	if err != nil {
		w.hdl.Close()
		return err
	}

	items := int32(0)
	buffer := make([]byte, 48)
	tocOffset, err := w.hdl.Seek(0, io.SeekCurrent)
	if err != nil {
		w.hdl.Close()
		return err
	}
	err = writeDirectoryEntries(w.root, w.hdl, &items, buffer)
	if err != nil {
		w.hdl.Close()
		return err
	}

	_, err = w.hdl.Seek(0, io.SeekStart)
	if err != nil {
		w.hdl.Close()
		return err
	}

	copy(buffer[:4], karMagic)
	binary.LittleEndian.PutUint32(buffer[4:8], karVersion)
	binary.LittleEndian.PutUint32(buffer[8:12], uint32(tocOffset))
	binary.LittleEndian.PutUint32(buffer[12:16], uint32(items))

	_, err = w.hdl.Write(buffer[:karHeaderSize])
	if err != nil {
		w.hdl.Close()
		return err
	}

	return w.hdl.Close()
}

func sortedKeys[T any](items map[string]T) []string {
	keys := make([]string, 0, len(items))
	for name := range items {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys
}

// writeDirectoryData writes the content of all files below folder starting at offset and records their
// offsets. It returns the offset following the last file.
func writeDirectoryData(folder *KarFolder, hdl io.Writer, offset int64) (int64, error) {
	var err error
	for _, name := range sortedKeys(folder.folders) {
		offset, err = writeDirectoryData(folder.folders[name], hdl, offset)
		if err != nil {
			return 0, err
		}
	}

	for _, name := range sortedKeys(folder.files) {
		file := folder.files[name]
		_, err = hdl.Write(file.data)
		if err != nil {
			return 0, eris.Wrapf(err, "failed to write %s", name)
		}

		file.offset = int32(offset)
		file.data = nil
		offset += int64(file.size)
	}
	return offset, nil
}

func writeEntry(hdl io.Writer, buffer []byte, file *KarFile, name string) error {
	if file == nil {
		file = &KarFile{}
	}

	binary.LittleEndian.PutUint32(buffer[:4], uint32(file.offset))
	binary.LittleEndian.PutUint32(buffer[4:8], uint32(file.size))
	binary.LittleEndian.PutUint32(buffer[8:12], uint32(file.decSize))
	binary.LittleEndian.PutUint16(buffer[12:14], uint16(len(name)))
	_, err := hdl.Write(buffer[:karEntrySize])
	if err != nil {
		return err
	}

	_, err = io.WriteString(hdl, name)
	return err
}

func writeDirectoryEntries(folder *KarFolder, hdl io.Writer, items *int32, buffer []byte) error {
	for _, name := range sortedKeys(folder.folders) {
		// folders have a zero offset, size and decSize
		err := writeEntry(hdl, buffer, nil, name)
		if err != nil {
			return err
		}

		err = writeDirectoryEntries(folder.folders[name], hdl, items, buffer)
		if err != nil {
			return err
		}

		err = writeEntry(hdl, buffer, nil, "..")
		if err != nil {
			return err
		}
	}

	for _, name := range sortedKeys(folder.files) {
		err := writeEntry(hdl, buffer, folder.files[name], name)
		if err != nil {
			return err
		}
	}

	*items += int32(len(folder.folders)*2 + len(folder.files))
	return nil
}

// KarArchive is a read-only view of a .kar archive.
type KarArchive struct {
	filename string
	hdl      *os.File
	files    map[string]KarFile
}

// OpenKar opens filename and reads its index.
func OpenKar(filename string) (*KarArchive, error) {
	hdl, err := os.Open(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open %s", filename)
	}

	archive, err := readKarIndex(filename, hdl)
	if err != nil {
		hdl.Close()
		return nil, err
	}
	return archive, nil
}

func readKarIndex(filename string, hdl *os.File) (*KarArchive, error) {
	header := make([]byte, karHeaderSize)
	_, err := io.ReadFull(hdl, header)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read header of %s", filename)
	}

	if string(header[:4]) != karMagic {
		return nil, eris.Errorf("%s is not a kar archive", filename)
	}

	version := binary.LittleEndian.Uint32(header[4:8])
	if version != karVersion {
		return nil, eris.Errorf("%s has unsupported version %d", filename, version)
	}

	tocOffset := binary.LittleEndian.Uint32(header[8:12])
	items := binary.LittleEndian.Uint32(header[12:16])

	_, err = hdl.Seek(int64(tocOffset), io.SeekStart)
	if err != nil {
		return nil, err
	}

	toc, err := io.ReadAll(hdl)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read index of %s", filename)
	}

	archive := &KarArchive{
		filename: filename,
		hdl:      hdl,
		files:    make(map[string]KarFile),
	}

	dirStack := []string{}
	pos := 0
	for idx := uint32(0); idx < items; idx++ {
		if pos+karEntrySize > len(toc) {
			return nil, eris.Errorf("truncated index in %s", filename)
		}

		entry := KarFile{
			offset:  int32(binary.LittleEndian.Uint32(toc[pos : pos+4])),
			size:    int32(binary.LittleEndian.Uint32(toc[pos+4 : pos+8])),
			decSize: int32(binary.LittleEndian.Uint32(toc[pos+8 : pos+12])),
		}
		nameLen := int(binary.LittleEndian.Uint16(toc[pos+12 : pos+14]))
		pos += karEntrySize

		if pos+nameLen > len(toc) {
			return nil, eris.Errorf("truncated index in %s", filename)
		}
		name := string(toc[pos : pos+nameLen])
		pos += nameLen

		switch {
		case entry.offset == 0 && name == "..":
			if len(dirStack) == 0 {
				return nil, eris.Errorf("malformed index in %s", filename)
			}
			dirStack = dirStack[:len(dirStack)-1]
		case entry.offset == 0:
			dirStack = append(dirStack, name)
		default:
			archive.files[path.Join(append(dirStack, name)...)] = entry
		}
	}

	return archive, nil
}

// Names returns the paths of all files in the archive in sorted order.
func (a *KarArchive) Names() []string {
	return sortedKeys(a.files)
}

// Has reports whether the archive contains a file at name.
func (a *KarArchive) Has(name string) bool {
	_, ok := a.files[name]
	return ok
}

// ReadFile returns the decompressed content of name.
func (a *KarArchive) ReadFile(name string) ([]byte, error) {
	entry, ok := a.files[name]
	if !ok {
		return nil, eris.Wrapf(os.ErrNotExist, "%s not found in %s", name, a.filename)
	}

	section := io.NewSectionReader(a.hdl, int64(entry.offset), int64(entry.size))
	result := make([]byte, entry.decSize)
	_, err := io.ReadFull(brotli.NewReader(section), result)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to decompress %s from %s", name, a.filename)
	}

	return result, nil
}

func (a *KarArchive) Close() error {
	return a.hdl.Close()
}
