package node

import (
	"encoding/json"
)

// TipResponse answers the chain.tip query.
type TipResponse struct {
	Height int64  `json:"height"`
	Hash   string `json:"hash"`
}

// LastBlocksRequest parameterizes chain.lastblocks.
type LastBlocksRequest struct {
	Count int `json:"count"`
}

// StatusResponse answers node.status.
type StatusResponse struct {
	Height         int64  `json:"height"`
	TipHash        string `json:"tipHash"`
	QueueBlocks    int    `json:"queueBlocks"`
	QueueBytes     int64  `json:"queueBytes"`
	MempoolSize    int    `json:"mempoolSize"`
	NetworkVersion int64  `json:"networkVersion"`
	Watermark      int64  `json:"watermark"`
}

// registerQueries exposes the node's read model on the wire consumer.
func (n *Node) registerQueries() {
	n.consumer.RegisterQuery("chain.tip", func(json.RawMessage) (interface{}, error) {
		return &TipResponse{Height: n.Height(), Hash: n.TipHash()}, nil
	})

	n.consumer.RegisterQuery("chain.lastblocks", func(dto json.RawMessage) (interface{}, error) {
		req := LastBlocksRequest{Count: 10}
		if len(dto) > 0 {
			if err := json.Unmarshal(dto, &req); err != nil {
				return nil, err
			}
		}
		return n.network.Index().GetLastN(req.Count), nil
	})

	n.consumer.RegisterQuery("mempool.txids", func(json.RawMessage) (interface{}, error) {
		return n.mempool.TxIDs(), nil
	})

	n.consumer.RegisterQuery("node.status", func(json.RawMessage) (interface{}, error) {
		var watermark int64
		if n.deliver != nil {
			watermark = n.deliver.LastSeenID()
		}
		return &StatusResponse{
			Height:         n.Height(),
			TipHash:        n.TipHash(),
			QueueBlocks:    n.queue.Len(),
			QueueBytes:     n.queue.CurrentSize(),
			MempoolSize:    n.mempool.Size(),
			NetworkVersion: n.network.Version(),
			Watermark:      watermark,
		}, nil
	})
}

// mempoolSeed builds a mempool snapshot payload from a cached txid set.
func mempoolSeed(txids []string) []byte {
	data, _ := json.Marshal(struct {
		TxIDs []string `json:"txids"`
	}{TxIDs: txids})
	return data
}
