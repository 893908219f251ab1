// Package mentiongraph turns the archived mentions into a weighted directed
// graph of who mentions whom.
package mentiongraph

import (
	"context"
	"fmt"
	"strconv"

	"dscrape/internal/archive"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gorm.io/gorm"
)

const DefaultLimit = 4000

// DefaultExclude lists utility bots whose mentions drown out everyone else.
var DefaultExclude = []int64{
	632001928263630871, // Nadeko
	155149108183695360, // Dyno
}

type Options struct {
	// Limit keeps only the heaviest pairs.
	Limit   int
	Exclude []int64
}

// Edge is one aggregated from→to pair.
type Edge struct {
	From     int64
	To       int64
	Weight   int64
	FromName string
	ToName   string
}

type Node struct {
	UserID int64
	Label  string
}

func (n Node) ID() int64     { return n.UserID }
func (n Node) DOTID() string { return strconv.FormatInt(n.UserID, 10) }
func (n Node) Attributes() []encoding.Attribute {
	return []encoding.Attribute{{Key: "label", Value: strconv.Quote(n.Label)}}
}

type weightedEdge struct {
	simple.WeightedEdge
}

func (e weightedEdge) Attributes() []encoding.Attribute {
	w := strconv.FormatInt(int64(e.W), 10)
	return []encoding.Attribute{{Key: "weight", Value: w}, {Key: "label", Value: w}}
}

type Graph struct {
	*simple.WeightedDirectedGraph
	Pairs []Edge
}

// Build aggregates the mentions table. Self mentions and excluded users are
// dropped before the limit is applied.
func Build(ctx context.Context, db *gorm.DB, opts Options) (*Graph, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}

	q := db.WithContext(ctx).Model(&archive.Mention{}).
		Select("from_user_id, to_user_id, count(*) as weight").
		Where("from_user_id <> to_user_id")
	if len(opts.Exclude) > 0 {
		q = q.Where("from_user_id NOT IN ? AND to_user_id NOT IN ?", opts.Exclude, opts.Exclude)
	}

	var rows []pair
	err := q.Group("from_user_id, to_user_id").
		Order("weight desc, from_user_id asc, to_user_id asc").
		Limit(opts.Limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate mentions: %w", err)
	}

	names, err := labels(ctx, db, rows)
	if err != nil {
		return nil, err
	}

	g := &Graph{WeightedDirectedGraph: simple.NewWeightedDirectedGraph(0, 0)}
	for _, r := range rows {
		e := Edge{
			From: r.FromUserID, To: r.ToUserID, Weight: r.Weight,
			FromName: label(names, r.FromUserID), ToName: label(names, r.ToUserID),
		}
		g.Pairs = append(g.Pairs, e)

		from := g.node(e.From, e.FromName)
		to := g.node(e.To, e.ToName)
		g.SetWeightedEdge(weightedEdge{simple.WeightedEdge{F: from, T: to, W: float64(e.Weight)}})
	}
	return g, nil
}

func (g *Graph) node(id int64, name string) graph.Node {
	if n := g.Node(id); n != nil {
		return n
	}
	n := Node{UserID: id, Label: name}
	g.AddNode(n)
	return n
}

// DOT encodes the graph in Graphviz format.
func (g *Graph) DOT() ([]byte, error) {
	return dot.Marshal(g.WeightedDirectedGraph, "mentions", "", "  ")
}

func (g *Graph) String() string {
	return fmt.Sprintf("mention graph: %d users, %d edges", g.Nodes().Len(), len(g.Pairs))
}

type pair struct {
	FromUserID int64
	ToUserID   int64
	Weight     int64
}

func labels(ctx context.Context, db *gorm.DB, rows []pair) (map[int64]string, error) {
	seen := map[int64]struct{}{}
	var ids []int64
	for _, r := range rows {
		for _, id := range []int64{r.FromUserID, r.ToUserID} {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var users []archive.User
	if err := db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	out := make(map[int64]string, len(users))
	for _, u := range users {
		out[u.ID] = u.DisplayName + "#" + u.Discriminator
	}
	return out, nil
}

func label(names map[int64]string, id int64) string {
	if n, ok := names[id]; ok {
		return n
	}
	return "Unknown User#" + strconv.FormatInt(id, 10)
}
