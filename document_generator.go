package main

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

const (
	defaultIDField = "user_id"
	fillerCount    = 10
	fillerAge      = 40000
	largeDataSize  = 1024 * 2
)

// DocumentGenerator produces the synthetic user documents written by insert
// workloads. Ids are monotonic and start at 1.
type DocumentGenerator struct {
	rnd     *Randomizer
	idField string
	nextID  int64
	data    []byte
}

func NewDocumentGenerator(rnd *Randomizer, idField string) *DocumentGenerator {
	if idField == "" {
		idField = defaultIDField
	}
	return &DocumentGenerator{
		rnd:     rnd,
		idField: idField,
		nextID:  1,
		data:    make([]byte, largeDataSize),
	}
}

// GenerateSimple returns the next user document.
func (g *DocumentGenerator) GenerateSimple() Document {
	id := g.nextID
	g.nextID++
	return bson.M{
		g.idField: id,
		"name":    fmt.Sprintf("user-%d", id),
		"count":   fillerCount,
		"age":     fillerAge,
	}
}

// GenerateLarge returns the next user document padded with 2KiB of random data.
func (g *DocumentGenerator) GenerateLarge() Document {
	doc := g.GenerateSimple()
	for i := range g.data {
		g.data[i] = byte(g.rnd.RandomIntn(256))
	}
	data := make([]byte, len(g.data))
	copy(data, g.data)
	doc["data"] = data
	return doc
}

// GenerateBatch returns the next n documents.
func (g *DocumentGenerator) GenerateBatch(n int, large bool) []Document {
	docs := make([]Document, n)
	for i := range docs {
		if large {
			docs[i] = g.GenerateLarge()
		} else {
			docs[i] = g.GenerateSimple()
		}
	}
	return docs
}

// reseed switches the source of the random payload bytes.
func (g *DocumentGenerator) reseed(rnd *Randomizer) {
	g.rnd = rnd
}
