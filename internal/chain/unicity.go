package chain

func init() {
	// Unicity is a UTXO-model chain whose native asset is ALPHA; it has no
	// SLIP-44 registration yet, so it borrows an unused coin type range
	// rather than colliding with a real one.
	Register("UNICITY", Mainnet, &Params{
		Symbol:   "UNICITY",
		Name:     "Unicity",
		Type:     ChainTypeBitcoin,
		Decimals: 8,

		CoinType:       19990,
		DefaultPurpose: 84, // Native SegWit

		PubKeyHashAddrID: 0x00,
		ScriptHashAddrID: 0x05,
		Bech32HRP:        "unc",
		WIF:              0x80,

		HDPrivateKeyID: [4]byte{0x04, 0x88, 0xad, 0xe4}, // xprv
		HDPublicKeyID:  [4]byte{0x04, 0x88, 0xb2, 0x1e}, // xpub

		SupportsSegWit:  true,
		SupportsTaproot: false,

		DefaultAddressType: AddressP2WPKH,
	})

	Register("UNICITY", Testnet, &Params{
		Symbol:   "UNICITY",
		Name:     "Unicity Testnet",
		Type:     ChainTypeBitcoin,
		Decimals: 8,

		CoinType:       1,
		DefaultPurpose: 84,

		PubKeyHashAddrID: 0x6F,
		ScriptHashAddrID: 0xC4,
		Bech32HRP:        "tunc",
		WIF:              0xEF,

		HDPrivateKeyID: [4]byte{0x04, 0x35, 0x83, 0x94}, // tprv
		HDPublicKeyID:  [4]byte{0x04, 0x35, 0x87, 0xcf}, // tpub

		SupportsSegWit:  true,
		SupportsTaproot: false,

		DefaultAddressType: AddressP2WPKH,
	})
}
