package fingerprint

import (
	"encoding/json"
	"hash/fnv"
	"strings"

	"github.com/use-agent/harvester/models"
)

// injection is the compact config embedded in the page script.
type injection struct {
	UserAgent  string                      `json:"userAgent"`
	Nav        models.NavigatorFingerprint `json:"nav"`
	Screen     models.ScreenFingerprint    `json:"screen"`
	WebGL      models.WebGLFingerprint     `json:"webgl"`
	Timezone   string                      `json:"timezone"`
	TzOffset   int                         `json:"tzOffset"`
	Locale     string                      `json:"locale"`
	CanvasSeed uint32                      `json:"canvasSeed"`
	AudioSeed  uint32                      `json:"audioSeed"`
}

// SeedWord folds a noise seed into the 32-bit state the page script uses.
func SeedWord(seed string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	return h.Sum32()
}

// Script returns the JavaScript that presents fp. It must be installed to run
// before any page script (rod: Page.EvalOnNewDocument).
func Script(fp *models.Fingerprint) (string, error) {
	cfg, err := json.Marshal(injection{
		UserAgent:  fp.UserAgent,
		Nav:        fp.Navigator,
		Screen:     fp.Screen,
		WebGL:      fp.WebGL,
		Timezone:   fp.Timezone,
		TzOffset:   fp.TimezoneOffset,
		Locale:     fp.Locale,
		CanvasSeed: SeedWord(fp.CanvasNoiseSeed),
		AudioSeed:  SeedWord(fp.AudioNoiseSeed),
	})
	if err != nil {
		return "", err
	}
	return strings.Replace(injectTemplate, "__FINGERPRINT__", string(cfg), 1), nil
}

const injectTemplate = `(() => {
  const fp = __FINGERPRINT__;
  const define = (obj, key, value) => {
    try { Object.defineProperty(obj, key, { get: () => value, configurable: true }); } catch (e) {}
  };

  const nav = Object.getPrototypeOf(navigator);
  define(nav, 'userAgent', fp.userAgent);
  define(nav, 'appVersion', fp.nav.app_version);
  define(nav, 'platform', fp.nav.platform);
  define(nav, 'vendor', fp.nav.vendor);
  define(nav, 'language', fp.nav.language);
  define(nav, 'languages', Object.freeze(fp.nav.languages.slice()));
  define(nav, 'hardwareConcurrency', fp.nav.hardware_concurrency);
  if (fp.nav.device_memory > 0) define(nav, 'deviceMemory', fp.nav.device_memory);
  define(nav, 'maxTouchPoints', fp.nav.max_touch_points);
  define(nav, 'webdriver', false);

  const scr = Object.getPrototypeOf(screen);
  define(scr, 'width', fp.screen.width);
  define(scr, 'height', fp.screen.height);
  define(scr, 'availWidth', fp.screen.avail_width);
  define(scr, 'availHeight', fp.screen.avail_height);
  define(scr, 'colorDepth', fp.screen.color_depth);
  define(scr, 'pixelDepth', fp.screen.color_depth);
  define(window, 'devicePixelRatio', fp.screen.pixel_ratio);

  const patchGL = (ctor, withVersion) => {
    if (typeof ctor === 'undefined') return;
    const orig = ctor.prototype.getParameter;
    ctor.prototype.getParameter = function (p) {
      if (p === 0x9245) return fp.webgl.vendor;
      if (p === 0x9246) return fp.webgl.renderer;
      if (withVersion && p === 0x1F02) return fp.webgl.version;
      return orig.call(this, p);
    };
  };
  patchGL(window.WebGLRenderingContext, true);
  patchGL(window.WebGL2RenderingContext, false);

  const mix = (seed, i) => {
    let h = (seed ^ Math.imul(i, 0x9e3779b1)) >>> 0;
    h = Math.imul(h ^ (h >>> 16), 0x85ebca6b);
    h = Math.imul(h ^ (h >>> 13), 0xc2b2ae35);
    return (h ^ (h >>> 16)) >>> 0;
  };
  const perturb = (data) => {
    for (let i = 0; i < data.length; i += 4) {
      const m = mix(fp.canvasSeed, i >> 2);
      if ((m & 31) !== 0) continue;
      const c = i + ((m >>> 5) % 3);
      data[c] = data[c] ^ 1;
    }
  };

  const ctx2d = window.CanvasRenderingContext2D && CanvasRenderingContext2D.prototype;
  if (ctx2d) {
    const origGetImageData = ctx2d.getImageData;
    const noisy = (canvas) => {
      const w = canvas.width, h = canvas.height;
      if (!w || !h) return canvas;
      const ctx = canvas.getContext('2d');
      if (!ctx) return canvas;
      let img;
      try { img = origGetImageData.call(ctx, 0, 0, w, h); } catch (e) { return canvas; }
      perturb(img.data);
      const copy = document.createElement('canvas');
      copy.width = w;
      copy.height = h;
      copy.getContext('2d').putImageData(img, 0, 0);
      return copy;
    };
    ctx2d.getImageData = function () {
      const img = origGetImageData.apply(this, arguments);
      perturb(img.data);
      return img;
    };
    const canvasProto = HTMLCanvasElement.prototype;
    const origToDataURL = canvasProto.toDataURL;
    const origToBlob = canvasProto.toBlob;
    canvasProto.toDataURL = function () { return origToDataURL.apply(noisy(this), arguments); };
    canvasProto.toBlob = function () { return origToBlob.apply(noisy(this), arguments); };
  }

  if (typeof AudioBuffer !== 'undefined') {
    const seen = new WeakSet();
    const origChannel = AudioBuffer.prototype.getChannelData;
    AudioBuffer.prototype.getChannelData = function () {
      const data = origChannel.apply(this, arguments);
      if (!seen.has(data)) {
        seen.add(data);
        for (let i = 0; i < data.length; i += 100) {
          data[i] += ((mix(fp.audioSeed, i) % 1000) - 500) * 1e-10;
        }
      }
      return data;
    };
  }
  if (typeof AnalyserNode !== 'undefined') {
    const origFreq = AnalyserNode.prototype.getFloatFrequencyData;
    AnalyserNode.prototype.getFloatFrequencyData = function (array) {
      origFreq.call(this, array);
      for (let i = 0; i < array.length; i++) {
        array[i] += ((mix(fp.audioSeed, i) % 1000) - 500) * 1e-7;
      }
    };
  }

  Date.prototype.getTimezoneOffset = function () { return fp.tzOffset; };
  const OrigDTF = Intl.DateTimeFormat;
  const DTF = function (locales, options) {
    const o = Object.assign({}, options);
    if (!o.timeZone) o.timeZone = fp.timezone;
    return new OrigDTF(locales === undefined ? fp.locale : locales, o);
  };
  DTF.prototype = OrigDTF.prototype;
  DTF.supportedLocalesOf = OrigDTF.supportedLocalesOf.bind(OrigDTF);
  Intl.DateTimeFormat = DTF;

  const artifact = /^\$?cdc_|^__(webdriver|selenium|driver|fxdriver|nightmare)|^_Selenium_IDE|^callPhantom$|^_phantom$/;
  for (const target of [window, document]) {
    for (const key of Object.keys(target)) {
      if (artifact.test(key)) {
        try { delete target[key]; } catch (e) {}
      }
    }
  }
})();`
