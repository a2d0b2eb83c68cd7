// Package secure holds freshly generated credential material in memory
// protected by memguard.
//
// Material is sealed in an encrypted enclave as soon as it is generated
// and only decrypted into a locked buffer for the duration of a vault
// write:
//
//	m, err := gen.Generate(model.KindAPIKey)
//	if err != nil {
//	    return err
//	}
//	defer m.Destroy()
//
//	locked, err := m.Open()
//	if err != nil {
//	    return err
//	}
//	defer locked.Destroy()
//	version, err := v.Put(ctx, path, locked.Bytes())
//
// Call memguard.Purge before the process exits to wipe any remaining
// buffers.
package secure
