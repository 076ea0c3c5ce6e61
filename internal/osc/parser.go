package osc

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/osm"
)

// Parser parses OSC (OSM Change) files
type Parser struct {
	mu    sync.Mutex
	stats Stats
}

// NewParser creates a new OSC parser
func NewParser() *Parser {
	return &Parser{}
}

// Stats returns parsing statistics
func (p *Parser) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// ParseFile parses an OSC file and streams changes to a channel in file
// order. Files ending in .gz are decompressed.
func (p *Parser) ParseFile(ctx context.Context, filename string) (<-chan Change, <-chan error) {
	changes := make(chan Change, 1000)
	errChan := make(chan error, 1)

	go func() {
		defer close(changes)
		defer close(errChan)

		f, err := os.Open(filename)
		if err != nil {
			errChan <- fmt.Errorf("failed to open OSC file: %w", err)
			return
		}
		defer f.Close()

		var reader io.Reader = f
		if strings.HasSuffix(filename, ".gz") {
			gz, err := gzip.NewReader(f)
			if err != nil {
				errChan <- fmt.Errorf("failed to create gzip reader: %w", err)
				return
			}
			defer gz.Close()
			reader = gz
		}

		if err := p.parse(ctx, reader, changes); err != nil {
			errChan <- err
		}
	}()

	return changes, errChan
}

// ParseReader parses OSC data from a reader
func (p *Parser) ParseReader(ctx context.Context, reader io.Reader) (<-chan Change, <-chan error) {
	changes := make(chan Change, 1000)
	errChan := make(chan error, 1)

	go func() {
		defer close(changes)
		defer close(errChan)

		if err := p.parse(ctx, reader, changes); err != nil {
			errChan <- err
		}
	}()

	return changes, errChan
}

func (p *Parser) parse(ctx context.Context, reader io.Reader, changes chan<- Change) error {
	decoder := xml.NewDecoder(reader)
	var action Action

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		token, err := decoder.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("XML parse error: %w", err)
		}

		se, ok := token.(xml.StartElement)
		if !ok {
			continue
		}

		var obj osm.Object
		switch se.Name.Local {
		case "create":
			action = ActionCreate
			continue
		case "modify":
			action = ActionModify
			continue
		case "delete":
			action = ActionDelete
			continue
		case "node":
			obj = &osm.Node{}
		case "way":
			obj = &osm.Way{}
		case "relation":
			obj = &osm.Relation{}
		default:
			continue
		}

		if action == "" {
			return fmt.Errorf("%s element outside create, modify or delete block", se.Name.Local)
		}
		if err := decoder.DecodeElement(obj, &se); err != nil {
			return fmt.Errorf("failed to decode %s: %w", se.Name.Local, err)
		}

		select {
		case changes <- Change{Action: action, Object: obj}:
			p.mu.Lock()
			p.stats.add(action, obj)
			p.mu.Unlock()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
