package rest

func (s *Server) registerRoutes() {
    e := s.echo

    e.GET("/blocks/tip/hash", s.getTipHash)
    e.GET("/blocks/tip/height", s.getTipHeight)
    e.GET("/blocks", s.listBlocks)
    e.GET("/blocks/:start_height", s.listBlocks)

    e.GET("/block/:hash", s.getBlock)
    e.GET("/block/:hash/status", s.getBlockStatus)
    e.GET("/block/:hash/header", s.getBlockHeader)
    e.GET("/block/:hash/txids", s.getBlockTxids)
    e.GET("/block/:hash/txs", s.getBlockTxs)
    e.GET("/block/:hash/txs/:start_index", s.getBlockTxs)
    e.GET("/block/:hash/raw", s.getBlockRaw)
    e.GET("/block-height/:height", s.getBlockHeightHash)

    e.GET("/tx/:txid", s.getTx)
    e.GET("/tx/:txid/status", s.getTxStatus)
    e.GET("/tx/:txid/hex", s.getTxHex)
    e.GET("/tx/:txid/raw", s.getTxRaw)
    e.GET("/tx/:txid/merkle-proof", s.getTxMerkleProof)
    e.GET("/tx/:txid/outspend/:vout", s.getTxOutspend)
    e.GET("/tx/:txid/outspends", s.getTxOutspends)
    e.POST("/tx", s.postTx)

    e.GET("/address/:addr", s.getAddress)
    e.GET("/address/:addr/txs", s.getAddressTxs)
    e.GET("/address/:addr/txs/chain", s.getAddressTxsChain)
    e.GET("/address/:addr/txs/chain/:last_txid", s.getAddressTxsChain)
    e.GET("/address/:addr/txs/mempool", s.getAddressTxsMempool)
    e.GET("/address/:addr/utxo", s.getAddressUTXO)
    e.GET("/address/:addr/balance", s.getAddressBalance)
    e.GET("/address/:addr/stats", s.getAddressStats)

    e.GET("/scripthash/:hash", s.getScripthash)
    e.GET("/scripthash/:hash/txs", s.getScripthashTxs)
    e.GET("/scripthash/:hash/utxo", s.getScripthashUTXO)
    e.GET("/scripthash/:hash/balance", s.getScripthashBalance)
    e.GET("/scripthash/:hash/stats", s.getScripthashStats)

    e.GET("/address-prefix/:prefix", s.getAddressPrefix)

    e.GET("/mempool", s.getMempool)
    e.GET("/mempool/txids", s.getMempoolTxids)
    e.GET("/mempool/recent", s.getMempoolRecent)

    e.GET("/fee-estimates", s.getFeeEstimates)

    e.GET("/blockchain/getsupply", s.getSupply)
    e.GET("/blockchain/total-coin", s.getSupply)
    e.GET("/blockchain/top-holders", s.getTopHolders)

    e.GET("/sync", s.getSync)
}
