package connmgr

import (
    "path"
    "sort"
    "strings"

    dbus "github.com/godbus/dbus/v5"

    "sppctl/internal/link"
)

// managedObjects is the reply shape of ObjectManager.GetManagedObjects.
type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

type adapterInfo struct {
    Path    dbus.ObjectPath
    Powered bool
}

// findAdapter picks the adapter named name (e.g. "hci0"), or the first one in
// path order when name is empty.
func findAdapter(objs managedObjects, name string) (adapterInfo, bool) {
    var paths []dbus.ObjectPath
    for p, ifaces := range objs {
        if _, ok := ifaces[adapterIface]; !ok {
            continue
        }
        if name != "" && path.Base(string(p)) != name {
            continue
        }
        paths = append(paths, p)
    }
    if len(paths) == 0 {
        return adapterInfo{}, false
    }
    sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
    p := paths[0]
    info := adapterInfo{Path: p}
    if v, ok := objs[p][adapterIface]["Powered"]; ok {
        info.Powered, _ = v.Value().(bool)
    }
    return info, true
}

type bluezDevice struct {
    Path   dbus.ObjectPath
    Device link.Device
    UUIDs  []string
}

// devicesOf returns the Device1 objects under adapter, ordered by object path
// so the listing is stable across calls.
func devicesOf(objs managedObjects, adapter dbus.ObjectPath) []bluezDevice {
    var out []bluezDevice
    prefix := string(adapter) + "/"
    for p, ifaces := range objs {
        if adapter != "" && !strings.HasPrefix(string(p), prefix) {
            continue
        }
        if d, ok := deviceFromIfaces(p, ifaces); ok {
            out = append(out, d)
        }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
    return out
}

func deviceFromIfaces(p dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (bluezDevice, bool) {
    props, ok := ifaces[deviceIface]
    if !ok {
        return bluezDevice{}, false
    }
    var mac, name, alias string
    var paired bool
    var uuids []string
    if v, ok := props["Address"]; ok {
        mac, _ = v.Value().(string)
    }
    if v, ok := props["Name"]; ok {
        name, _ = v.Value().(string)
    }
    if v, ok := props["Alias"]; ok {
        alias, _ = v.Value().(string)
    }
    if v, ok := props["Paired"]; ok {
        paired, _ = v.Value().(bool)
    }
    if v, ok := props["UUIDs"]; ok {
        uuids, _ = v.Value().([]string)
    }
    if mac == "" {
        mac = macFromPath(p)
    }
    if name == "" {
        name = alias
    }
    return bluezDevice{
        Path:   p,
        Device: link.Device{ID: strings.ToUpper(mac), Name: name, Paired: paired},
        UUIDs:  uuids,
    }, true
}

// matchDevice reports whether d is addressed by id, either its MAC or its
// D-Bus object path.
func matchDevice(d bluezDevice, id string) bool {
    return strings.EqualFold(d.Device.ID, id) || string(d.Path) == id
}

func containsUUID(list []string, target string) bool {
    for _, s := range list {
        if strings.EqualFold(s, target) {
            return true
        }
    }
    return false
}

func macFromPath(p dbus.ObjectPath) string {
    s := string(p)
    // Expect .../dev_XX_XX_XX_XX_XX_XX
    idx := strings.LastIndex(s, "/dev_")
    if idx < 0 {
        return ""
    }
    return strings.ReplaceAll(s[idx+5:], "_", ":")
}
